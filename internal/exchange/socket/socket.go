// Package socket implements the socket Metadata Exchanger (spec.md §4.6):
// one designated aggregator node (node-id 0) collects every peer's
// serialised network view over TCP, then broadcasts the aggregated view
// back to every peer.
package socket

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/metrics"
	"github.com/sjoon-oh/hartebeest-go/internal/netview"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// connState mirrors the per-peer connection state the aggregator tracks
// (spec.md §4.6: "Unknown, Filled, Distributed").
type connState int

const (
	stateUnknown connState = iota
	stateFilled
	stateDistributed
)

// dialRetryInterval is the peer's reconnect backoff against the aggregator
// (spec.md §4.6 step 2: "retrying once per second until accepted").
const dialRetryInterval = time.Second

// RunAggregator listens on listenAddr, accepts exactly peerCount peer
// connections, reads each peer's this-node-conf document using the
// parse-until-success framing, and once every peer (plus the aggregator's
// own, already-Filled view) has reported in, broadcasts the aggregated
// PostConf to every peer and returns it (spec.md §4.6 steps 2-5).
func RunAggregator(ctx context.Context, listenAddr string, self netview.ThisNodeConf, peerCount int) (netview.PostConf, *retcode.Retcode) {
	logger := klog.FromContext(ctx)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
	}
	defer ln.Close()

	views := map[int32]netview.ThisNodeConf{int32(self.NID): self}
	states := map[int32]connState{int32(self.NID): stateFilled}
	conns := make(map[int32]net.Conn)

	for len(views) < peerCount+1 {
		conn, err := ln.Accept()
		if err != nil {
			metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
			return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
		}

		nid, err := readHello(conn)
		if err != nil {
			conn.Close()
			metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
			return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
		}

		view, err := readUntilParsed(conn)
		if err != nil {
			conn.Close()
			metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
			return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
		}

		views[nid] = view
		states[nid] = stateFilled
		conns[nid] = conn
		logger.V(2).Info("aggregator recorded peer view", "nid", nid)
	}

	post := make(netview.PostConf, 0, len(views))
	for nid := range views {
		post = append(post, views[nid])
	}
	sortByNID(post)

	data, r := post.Serialize()
	if r != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, r
	}

	for nid, conn := range conns {
		if err := writeAll(conn, data); err != nil {
			conn.Close()
			metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
			return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
		}
		conn.Close()
		states[nid] = stateDistributed
	}

	metrics.ExchangeRounds.WithLabelValues("socket", "success").Inc()
	return post, nil
}

// RunPeer connects to the aggregator at aggregatorAddr (retrying once per
// second until accepted), sends this node's hello and serialised view, then
// blocks reading the broadcast PostConf until the aggregator closes the
// connection (spec.md §4.6 steps 2-4).
func RunPeer(ctx context.Context, aggregatorAddr string, self netview.ThisNodeConf) (netview.PostConf, *retcode.Retcode) {
	logger := klog.FromContext(ctx)

	conn, err := dialWithRetry(ctx, aggregatorAddr)
	if err != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
	}
	defer conn.Close()

	if err := writeHello(conn, int32(self.NID)); err != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
	}

	data, r := self.Serialize()
	if r != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, r
	}
	if err := writeAll(conn, data); err != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
	}

	logger.V(2).Info("peer view sent, awaiting broadcast", "nid", self.NID)

	received, err := io.ReadAll(conn)
	if err != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, retcode.Wrap(retcode.ExchangeSocketError, err)
	}

	post, r := netview.ParsePostConf(received)
	if r != nil {
		metrics.ExchangeRounds.WithLabelValues("socket", "failed").Inc()
		return nil, r
	}
	metrics.ExchangeRounds.WithLabelValues("socket", "success").Inc()
	return post, nil
}

func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

// writeHello writes the 4-byte little-endian node-id framing byte the
// aggregator uses to route subsequent reads to this peer's buffer (spec.md
// §4.6 step 2, §6 wire format).
func writeHello(conn net.Conn, nid int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(nid))
	return writeAll(conn, buf[:])
}

func readHello(conn net.Conn) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func writeAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// readUntilParsed implements the aggregator's parse-until-success framing
// (spec.md §4.6 step 3, §9 REDESIGN FLAG (c)): it accumulates bytes into a
// per-peer buffer and attempts to parse a complete this-node-conf document
// after every read; a parse failure means "more to come", not an error. No
// length prefix is used, matching the spec'd default wire shape.
func readUntilParsed(conn net.Conn) (netview.ThisNodeConf, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if view, r := netview.ParseThisNodeConf(buf.Bytes()); r == nil {
				return view, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return netview.ThisNodeConf{}, fmt.Errorf("peer closed before a parseable view arrived")
			}
			return netview.ThisNodeConf{}, err
		}
	}
}

func sortByNID(post netview.PostConf) {
	for i := 1; i < len(post); i++ {
		for j := i; j > 0 && post[j].NID < post[j-1].NID; j-- {
			post[j], post[j-1] = post[j-1], post[j]
		}
	}
}
