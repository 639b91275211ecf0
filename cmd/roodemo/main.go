package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/roo"
)

var td *tdigest.TDigest

func main() {
	roo.Exit1IfVersionReq()
	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	var n = flag.Int("n", 1, "number of calls to make")
	var servers = flag.Int("servers", 3, "number of server sockets on the memnet")
	var depth = flag.Int("depth", 2, "depth of each call's task tree")
	var fanout = flag.Int("fanout", 2, "children per interior task")
	var delegate = flag.Bool("delegate", false, "interior tasks delegate their branches")
	var dup = flag.Float64("dup", 0, "probability that memnet delivers a message twice")
	var reorder = flag.Bool("reorder", false, "memnet serves inboxes in random order")
	var seed = flag.String("seed", "", "base64 seed for the memnet fault PRNG")
	var zstd = flag.Bool("zstd", false, "compress payloads")
	var configPath = flag.String("config", "", "JSON config file; defaults to "+roo.DefaultConfigPath()+" if that exists")
	var wait = flag.Duration("wait", 10*time.Second, "time to wait for each call to complete")
	var quiet = flag.Bool("quiet", false, "operate quietly")

	flag.Parse()

	path := *configPath
	if path == "" {
		if _, err := os.Stat(roo.DefaultConfigPath()); err == nil {
			path = roo.DefaultConfigPath()
		}
	}
	cfg, err := roo.LoadConfig(path)
	if err != nil {
		log.Printf("bad config: '%v'\n", err)
		os.Exit(1)
	}
	if *zstd {
		cfg.CompressPayloads = true
	}

	net, err := roo.NewMemnet(&roo.MemnetConfig{
		DuplicateProb: *dup,
		Reorder:       *reorder,
		Seed:          *seed,
	})
	if err != nil {
		log.Printf("bad memnet config: '%v'\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var peers []roo.Address
	for i := 0; i < *servers; i++ {
		sock, err := roo.NewSocket(net.NewTransport(), cfg)
		panicOn(err)
		defer sock.Close()
		sock.Start()
		go roo.NewFanoutServer(sock).Serve(ctx)
		peers = append(peers, sock.LocalAddress())
	}
	if len(peers) == 0 {
		log.Printf("need at least one server")
		os.Exit(1)
	}

	cli, err := roo.NewSocket(net.NewTransport(), cfg)
	panicOn(err)
	defer cli.Close()
	cli.Start()

	req := &roo.FanoutRequest{
		Depth:    uint32(*depth),
		Fanout:   uint32(*fanout),
		Delegate: *delegate,
		Peers:    peers,
	}
	payload := req.MarshalMsg(nil)

	// compress of 100 still gives 1000x compression,
	// about 8KB for 1e6 samples; good accuracy at tails
	td, err = tdigest.New(tdigest.Compression(100))
	panicOn(err)

	if *n > 1 {
		log.Printf("about to do n = %v calls.\n", *n)
	}
	var i, responses int
	var status roo.Status
	slowest := -1.0
	defer func() {
		q999 := td.Quantile(0.999)
		q99 := td.Quantile(0.99)
		q50 := td.Quantile(0.50)
		log.Printf("client did %v calls.  last status = %v; err = '%v' slowest='%v nanosec'; q999='%v nanoseconds'; q99='%v nanoseconds'; q50='%v nanoseconds'\n", i, status, err, slowest, q999, q99, q50)
		log.Printf("client %v\n", cli.Stats())
	}()
	for i = 0; i < *n; i++ {
		t0 := time.Now()
		call := cli.AllocCall()
		err = call.Send(peers[i%len(peers)], payload)
		panicOn(err)

		wctx, wcancel := context.WithTimeout(ctx, *wait)
		status, err = call.Wait(wctx)
		wcancel()
		if err == nil && status == roo.FAILED {
			err = call.Err()
		}
		if err != nil {
			cli.DropCall(call)
			break
		}
		responses = 0
		for {
			resp, ok := call.Receive()
			if !ok {
				break
			}
			responses++
			if !*quiet && i == 0 {
				var reply roo.FanoutReply
				if e := reply.UnmarshalMsg(resp.Payload); e == nil {
					log.Printf("response %v from leaf %v on server %v\n", resp.Id, reply.Leaf, reply.Server)
				}
			}
		}
		cli.DropCall(call)

		elap := float64(time.Since(t0))
		panicOn(td.Add(elap)) // nanoseconds
		if elap > slowest {
			slowest = elap
		}
	}
	if !*quiet {
		log.Printf("last call got %v responses\n", responses)
	}
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
