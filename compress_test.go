package roo

import (
	"bytes"
	cryrand "crypto/rand"
	"sync"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test030_zstd_inverses(t *testing.T) {

	cv.Convey("zstdCompressor Compress and Decompress should be inverses", t, func() {
		z, err := newZstdCompressor()
		panicOn(err)
		defer z.Close()

		for _, n := range []int{1, 300, 20000} {
			data := make([]byte, n)
			cryrand.Read(data[:n/2])

			// results are fresh allocations, so scribbling on
			// the input afterwards must not matter.
			compressed := z.Compress(data)
			orig := bytes.Clone(data)
			clear(data)

			back, err := z.Decompress(compressed)
			panicOn(err)
			cv.So(bytes.Equal(back, orig), cv.ShouldBeTrue)
		}
	})

	cv.Convey("garbage does not decompress", t, func() {
		z, err := newZstdCompressor()
		panicOn(err)
		defer z.Close()

		_, err = z.Decompress([]byte("not a zstd frame"))
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("one compressor serves many goroutines at once", t, func() {
		z, err := newZstdCompressor()
		panicOn(err)
		defer z.Close()

		var wg sync.WaitGroup
		bad := make(chan int, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				data := bytes.Repeat([]byte{byte(i)}, 1000+i)
				back, err := z.Decompress(z.Compress(data))
				if err != nil || !bytes.Equal(back, data) {
					bad <- i
				}
			}()
		}
		wg.Wait()
		close(bad)
		cv.So(len(bad), cv.ShouldEqual, 0)
	})
}
