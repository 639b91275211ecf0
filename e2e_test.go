package roo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// cluster is a client socket plus FanoutServers, all on one
// memnet and all polled in the background.
type cluster struct {
	net     *Memnet
	client  *Socket
	servers []*Socket
	peers   []Address

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCluster(n int, ncfg *MemnetConfig, tweak func(cfg *Config), serve bool) *cluster {
	net, err := NewMemnet(ncfg)
	panicOn(err)
	newSock := func() *Socket {
		cfg := NewConfig()
		logger, _ := logtest.NewNullLogger()
		cfg.Logger = logger
		if tweak != nil {
			tweak(cfg)
		}
		s, err := NewSocket(net.NewTransport(), cfg)
		panicOn(err)
		s.Start()
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{net: net, cancel: cancel}
	c.client = newSock()
	for i := 0; i < n; i++ {
		s := newSock()
		c.servers = append(c.servers, s)
		c.peers = append(c.peers, s.LocalAddress())
		if serve {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				NewFanoutServer(s).Serve(ctx)
			}()
		}
	}
	return c
}

func (c *cluster) Close() {
	c.cancel()
	c.wg.Wait()
	for _, s := range c.servers {
		s.Close()
	}
	c.client.Close()
}

// call runs one fan-out call to completion and returns its
// status and decoded replies.
func (c *cluster) call(req FanoutRequest) (Status, []FanoutReply, error) {
	req.Peers = c.peers
	r := c.client.AllocCall()
	defer c.client.DropCall(r)
	if err := r.Send(c.peers[0], req.MarshalMsg(nil)); err != nil {
		return FAILED, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := r.Wait(ctx)
	if err == nil && status == FAILED {
		err = r.Err()
	}
	var replies []FanoutReply
	for resp, ok := r.Receive(); ok; resp, ok = r.Receive() {
		var rep FanoutReply
		panicOn(rep.UnmarshalMsg(resp.Payload))
		replies = append(replies, rep)
	}
	return status, replies, err
}

func distinctLeaves(replies []FanoutReply) int {
	seen := make(map[TaskId]bool)
	for _, r := range replies {
		seen[r.Leaf] = true
	}
	return len(seen)
}

func Test600_fanout_tree_completes(t *testing.T) {

	cv.Convey("a depth 3, fanout 2 tree over 3 servers completes with exactly 8 responses", t, func() {
		c := newCluster(3, nil, nil, true)
		defer c.Close()

		status, replies, err := c.call(FanoutRequest{Depth: 3, Fanout: 2})
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, COMPLETED)
		cv.So(len(replies), cv.ShouldEqual, 8)
		cv.So(distinctLeaves(replies), cv.ShouldEqual, 8)

		st := c.client.Stats()
		cv.So(st.CallsCompleted, cv.ShouldEqual, 1)
		cv.So(st.LatencyCount, cv.ShouldEqual, 1)
	})

	cv.Convey("the same tree built with Delegate completes the same way", t, func() {
		c := newCluster(3, nil, nil, true)
		defer c.Close()

		status, replies, err := c.call(FanoutRequest{Depth: 3, Fanout: 2, Delegate: true})
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, COMPLETED)
		cv.So(distinctLeaves(replies), cv.ShouldEqual, 8)
	})

	cv.Convey("a depth 0 request is a plain RPC: one reply", t, func() {
		c := newCluster(1, nil, nil, true)
		defer c.Close()

		status, replies, err := c.call(FanoutRequest{})
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, COMPLETED)
		cv.So(len(replies), cv.ShouldEqual, 1)
		cv.So(replies[0].Server, cv.ShouldEqual, c.peers[0])
	})
}

func Test601_fanout_under_faults(t *testing.T) {

	cv.Convey("duplicated and reordered delivery still yields each response exactly once", t, func() {
		seed := NewPRNG([32]byte{42}).SeedString()
		c := newCluster(4, &MemnetConfig{DuplicateProb: 0.3, Reorder: true, Seed: seed}, nil, true)
		defer c.Close()

		for i := 0; i < 5; i++ {
			status, replies, err := c.call(FanoutRequest{Depth: 2, Fanout: 3})
			cv.So(err, cv.ShouldBeNil)
			cv.So(status, cv.ShouldEqual, COMPLETED)
			cv.So(len(replies), cv.ShouldEqual, 9)
			cv.So(distinctLeaves(replies), cv.ShouldEqual, 9)
		}
	})

	cv.Convey("compressed payloads make the same trip", t, func() {
		c := newCluster(2, nil, func(cfg *Config) { cfg.CompressPayloads = true }, true)
		defer c.Close()

		status, replies, err := c.call(FanoutRequest{Depth: 2, Fanout: 2})
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, COMPLETED)
		cv.So(distinctLeaves(replies), cv.ShouldEqual, 4)
	})

	cv.Convey("concurrent calls on one socket do not see each other's responses", t, func() {
		c := newCluster(3, nil, nil, true)
		defer c.Close()

		const calls = 8
		var wg sync.WaitGroup
		errs := make(chan error, calls)
		for i := 0; i < calls; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, replies, err := c.call(FanoutRequest{Depth: 2, Fanout: 2})
				switch {
				case err != nil:
					errs <- err
				case status != COMPLETED || distinctLeaves(replies) != 4 || len(replies) != 4:
					errs <- fmt.Errorf("status %v with %v replies", status, len(replies))
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			cv.So(err, cv.ShouldBeNil)
		}
		cv.So(c.client.Stats().CallsCompleted, cv.ShouldEqual, calls)
	})
}

func Test602_call_failure(t *testing.T) {

	cv.Convey("a leaf that fails fails the whole call, with its reason", t, func() {
		c := newCluster(2, nil, nil, true)
		defer c.Close()

		status, _, err := c.call(FanoutRequest{Depth: 2, Fanout: 2, Fail: true})
		cv.So(status, cv.ShouldEqual, FAILED)
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "told to fail")
		cv.So(c.client.Stats().CallsFailed, cv.ShouldEqual, 1)
	})

	cv.Convey("a call to an address nobody has fails", t, func() {
		c := newCluster(1, nil, nil, true)
		defer c.Close()

		r := c.client.AllocCall()
		panicOn(r.Send(Address(999), []byte("hello?")))
		status, err := r.Wait(context.Background())
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, FAILED)
		cv.So(r.Err(), cv.ShouldNotBeNil)
		cv.So(r.Err().Error(), cv.ShouldContainSubstring, "could not be delivered")
	})

	cv.Convey("a slow server is kept alive by pongs; once it is cut off, pings go unanswered and the call fails", t, func() {
		c := newCluster(1, nil, func(cfg *Config) {
			cfg.PingInterval = 20 * time.Millisecond
			cfg.MaxPingTimeouts = 2
		}, false)
		defer c.Close()

		r := c.client.AllocCall()
		panicOn(r.Send(c.peers[0], (&FanoutRequest{}).MarshalMsg(nil)))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		status, err := r.Wait(ctx)
		cancel()
		cv.So(status, cv.ShouldEqual, IN_PROGRESS)
		cv.So(errors.Is(err, context.DeadlineExceeded), cv.ShouldBeTrue)

		c.net.Isolate(c.peers[0])
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err = r.Wait(ctx)
		cv.So(err, cv.ShouldBeNil)
		cv.So(status, cv.ShouldEqual, FAILED)
		cv.So(r.Err().Error(), cv.ShouldContainSubstring, "missed")
	})

	cv.Convey("closing the socket wakes waiters with ErrShutdown, and later sends are refused", t, func() {
		c := newCluster(1, nil, nil, false)
		defer c.Close()

		r := c.client.AllocCall()
		panicOn(r.Send(c.peers[0], (&FanoutRequest{}).MarshalMsg(nil)))
		done := make(chan error, 1)
		go func() {
			_, err := r.Wait(context.Background())
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		c.client.Close()
		err := <-done
		cv.So(errors.Is(err, ErrShutdown) || errors.Is(err, ErrCallDropped), cv.ShouldBeTrue)
		cv.So(r.Send(c.peers[0], nil), cv.ShouldEqual, ErrShutdown)
	})
}
