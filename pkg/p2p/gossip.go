package p2p

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/events"
)

// GossipConfig configures the event gossip node.
type GossipConfig struct {
	ListenAddrs []string
	Bootstrap   []string
	Topic       string
	Logger      *zap.Logger
}

// RemoteHandler is called for every event gossiped by another node.
type RemoteHandler func(ctx context.Context, from peer.ID, e core.Event)

// Gossip shares trade and order events with peer nodes over a gossipsub
// topic. It is an events.Sink for local events and hands remote events to
// the registered RemoteHandler.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.Logger
	seq   atomic.Uint64

	muH     sync.RWMutex
	handler RemoteHandler

	cancel context.CancelFunc
}

var _ events.Sink = (*Gossip)(nil)

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var opts []libp2p.Option
	if len(cfg.ListenAddrs) > 0 {
		addrs := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
		for _, a := range cfg.ListenAddrs {
			maddr, err := ma.NewMultiaddr(a)
			if err != nil {
				return nil, fmt.Errorf("listen addr %q: %w", a, err)
			}
			addrs = append(addrs, maddr)
		}
		opts = append(opts, libp2p.ListenAddrs(addrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	g := &Gossip{h: h, ps: ps, log: log, cancel: cancel}
	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		g.Close()
		return nil, fmt.Errorf("join %s: %w", cfg.Topic, err)
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		g.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
	}

	for _, bs := range cfg.Bootstrap {
		if err := g.Connect(ctx, bs); err != nil {
			log.Warn("bootstrap_connect_failed", zap.String("addr", bs), zap.Error(err))
		}
	}

	go g.handleEvents(ctx)

	log.Info("gossip_ready",
		zap.String("peer", h.ID().String()),
		zap.String("topic", cfg.Topic),
		zap.Strings("listen", cfg.ListenAddrs))
	return g, nil
}

// Connect dials a peer given its full /p2p multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return g.h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the dialable /p2p multiaddrs of this node.
func (g *Gossip) Addrs() []string {
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

func (g *Gossip) OnRemoteEvent(fn RemoteHandler) {
	g.muH.Lock()
	g.handler = fn
	g.muH.Unlock()
}

func (g *Gossip) Name() string { return "gossip" }

// Deliver publishes a local event to the topic.
func (g *Gossip) Deliver(ctx context.Context, e core.Event) error {
	payload, err := events.Encode(e)
	if err != nil {
		return err
	}
	data, err := gobEncode(EventWire{
		Origin: g.h.ID().String(),
		Seq:    g.seq.Add(1),
		Event:  payload,
	})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// inbound

func (g *Gossip) handleEvents(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			g.log.Debug("gossip_decode_failed", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}
		e, err := events.Decode(w.Event)
		if err != nil {
			g.log.Debug("gossip_decode_failed", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(ctx, msg.ReceivedFrom, e)
		}
	}
}

func (g *Gossip) Close() error {
	if g.sub != nil {
		g.sub.Cancel()
	}
	if g.topic != nil {
		g.topic.Close()
	}
	g.cancel()
	return g.h.Close()
}
