package roo

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func sendBytes(from *MemTransport, to Address, s string, policy RetryPolicy) OutMessage {
	m := from.Alloc()
	m.Append([]byte(s))
	m.Send(to, policy)
	return m
}

func drain(t *MemTransport) (got []string) {
	for m := t.Receive(); m != nil; m = t.Receive() {
		got = append(got, string(m.Get(0, m.Len())))
		m.Release()
	}
	return
}

func Test500_memnet_delivery(t *testing.T) {

	cv.Convey("sends move only on the sender's Poll, arrive in order, and close Done when final", t, func() {
		net, err := NewMemnet(nil)
		panicOn(err)
		a, b := net.NewTransport(), net.NewTransport()
		cv.So(a.LocalAddress(), cv.ShouldEqual, Address(1))
		cv.So(b.ID(), cv.ShouldEqual, uint64(2))

		m1 := sendBytes(a, b.LocalAddress(), "one", NoRetry)
		m2 := sendBytes(a, b.LocalAddress(), "two", NoRetry)
		cv.So(m1.Status(), cv.ShouldEqual, OutPending)
		cv.So(b.Inbox(), cv.ShouldEqual, 0)

		a.Poll()
		cv.So(m1.Status(), cv.ShouldEqual, OutSent)
		<-m2.(*memOut).Done()
		cv.So(drain(b), cv.ShouldResemble, []string{"one", "two"})

		m1.Release()
		m1.Release()
		cv.So(func() { m1.Send(b.LocalAddress(), NoRetry) }, cv.ShouldPanic)
	})

	cv.Convey("a send to nobody fails", t, func() {
		net, err := NewMemnet(nil)
		panicOn(err)
		a := net.NewTransport()
		m := sendBytes(a, 99, "lost", RetryUntilSent)
		a.Poll()
		cv.So(m.Status(), cv.ShouldEqual, OutFailed)
	})

	cv.Convey("isolation fails NoRetry sends and holds RetryUntilSent sends until Heal", t, func() {
		net, err := NewMemnet(nil)
		panicOn(err)
		a, b := net.NewTransport(), net.NewTransport()
		net.Isolate(b.LocalAddress())

		gone := sendBytes(a, b.LocalAddress(), "gone", NoRetry)
		held := sendBytes(a, b.LocalAddress(), "held", RetryUntilSent)
		a.Poll()
		a.Poll()
		cv.So(gone.Status(), cv.ShouldEqual, OutFailed)
		cv.So(held.Status(), cv.ShouldEqual, OutPending)
		cv.So(b.Inbox(), cv.ShouldEqual, 0)

		net.Heal(b.LocalAddress())
		a.Poll()
		cv.So(held.Status(), cv.ShouldEqual, OutSent)
		cv.So(drain(b), cv.ShouldResemble, []string{"held"})
	})

	cv.Convey("inbound messages can be read in pieces and stripped", t, func() {
		net, err := NewMemnet(nil)
		panicOn(err)
		a, b := net.NewTransport(), net.NewTransport()
		sendBytes(a, b.LocalAddress(), "headerbody", NoRetry)
		a.Poll()
		m := b.Receive()
		cv.So(string(m.Get(0, 6)), cv.ShouldEqual, "header")
		cv.So(string(m.Get(6, 100)), cv.ShouldEqual, "body")
		cv.So(m.Get(100, 1), cv.ShouldBeNil)
		m.Strip(6)
		cv.So(m.Len(), cv.ShouldEqual, 4)
		m.Strip(100)
		cv.So(m.Len(), cv.ShouldEqual, 0)
	})

	cv.Convey("Release hands an inbound message's bytes back, and an unsent outbound message can no longer be sent", t, func() {
		net, err := NewMemnet(nil)
		panicOn(err)
		a, b := net.NewTransport(), net.NewTransport()
		sendBytes(a, b.LocalAddress(), "payload", NoRetry)
		a.Poll()
		m := b.Receive()
		cv.So(m.Len(), cv.ShouldEqual, 7)
		m.Acknowledge()
		m.Release()
		cv.So(m.Len(), cv.ShouldEqual, 0)
		cv.So(m.Get(0, 7), cv.ShouldBeNil)
		m.Strip(3)
		m.Release()
		cv.So(m.Len(), cv.ShouldEqual, 0)

		out := a.Alloc()
		out.Append([]byte("never"))
		out.Release()
		cv.So(func() { out.Send(b.LocalAddress(), NoRetry) }, cv.ShouldPanic)
		a.Poll()
		cv.So(b.Inbox(), cv.ShouldEqual, 0)
	})
}

func Test501_memnet_faults(t *testing.T) {

	cv.Convey("DuplicateProb 1 delivers everything twice", t, func() {
		net, err := NewMemnet(&MemnetConfig{DuplicateProb: 1})
		panicOn(err)
		a, b := net.NewTransport(), net.NewTransport()
		sendBytes(a, b.LocalAddress(), "x", NoRetry)
		a.Poll()
		cv.So(drain(b), cv.ShouldResemble, []string{"x", "x"})
	})

	cv.Convey("Reorder permutes the inbox, the same way for the same seed", t, func() {
		seed := NewPRNG([32]byte{7}).SeedString()
		order := func() []string {
			net, err := NewMemnet(&MemnetConfig{Reorder: true, Seed: seed})
			panicOn(err)
			a, b := net.NewTransport(), net.NewTransport()
			for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
				sendBytes(a, b.LocalAddress(), s, NoRetry)
			}
			a.Poll()
			return drain(b)
		}
		first := order()
		cv.So(len(first), cv.ShouldEqual, 8)
		cv.So(order(), cv.ShouldResemble, first)
	})

	cv.Convey("bad configs and bad wire addresses are errors", t, func() {
		_, err := NewMemnet(&MemnetConfig{DuplicateProb: 1.5})
		cv.So(err, cv.ShouldNotBeNil)
		_, err = NewMemnet(&MemnetConfig{Seed: "not base64!"})
		cv.So(err, cv.ShouldNotBeNil)

		net, err := NewMemnet(nil)
		panicOn(err)
		a := net.NewTransport()
		w := a.AddressToWire(a.LocalAddress())
		cv.So(len(w), cv.ShouldEqual, 8)
		back, err := a.AddressFromWire(w)
		cv.So(err, cv.ShouldBeNil)
		cv.So(back, cv.ShouldEqual, a.LocalAddress())
		_, err = a.AddressFromWire(w[:5])
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test502_prng(t *testing.T) {

	cv.Convey("the PRNG is reproducible from its seed string and stays in range", t, func() {
		a := NewPRNG([32]byte{1, 2, 3})
		b, err := NewPRNGFromBase64(a.SeedString())
		panicOn(err)
		for i := 0; i < 100; i++ {
			cv.So(a.Uint64(), cv.ShouldEqual, b.Uint64())
		}
		for i := 0; i < 1000; i++ {
			n := a.Intn(7)
			cv.So(n >= 0 && n < 7, cv.ShouldBeTrue)
			f := a.Float64()
			cv.So(f >= 0 && f < 1, cv.ShouldBeTrue)
		}
		cv.So(func() { a.Intn(0) }, cv.ShouldPanic)
	})
}
