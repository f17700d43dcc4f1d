package p2p

import (
	"context"
	"fmt"
	"log"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Node represents a libp2p swarm node
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	config NodeConfig
}

// NodeConfig holds P2P node configuration
type NodeConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
	Topic           string
}

// NewNode creates a new libp2p node
func NewNode(config NodeConfig) (*Node, error) {
	if len(config.ListenAddresses) == 0 {
		config.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}
	if config.Topic == "" {
		config.Topic = "compute-swarm/1.0.0/jobs"
	}

	return &Node{
		config: config,
	}, nil
}

// Start brings up the host, bootstraps the DHT, and joins the job topic.
func (n *Node) Start(ctx context.Context) error {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(n.config.ListenAddresses...),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT

	if err := kadDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			log.Printf("[p2p] failed to connect to bootstrap peer %s: %v", addr, err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create gossipsub: %w", err)
	}
	n.ps = ps

	topic, err := ps.Join(n.config.Topic)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", n.config.Topic, err)
	}
	n.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", n.config.Topic, err)
	}
	n.sub = sub

	log.Printf("[p2p] node %s listening on %v", n.IDString(), n.Addrs())
	return nil
}

// Stop stops the P2P node
func (n *Node) Stop() error {
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		if err := n.topic.Close(); err != nil {
			return err
		}
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Close is an alias for Stop
func (n *Node) Close() error {
	return n.Stop()
}

// Publish broadcasts a sealed envelope on the job topic.
func (n *Node) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// Next blocks until the next raw message arrives on the job topic. Messages
// published by this node itself are skipped.
func (n *Node) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		return msg.Data, nil
	}
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// PrivKey returns the host identity key used to sign envelopes.
func (n *Node) PrivKey() crypto.PrivKey {
	if n.host == nil {
		return nil
	}
	return n.host.Peerstore().PrivKey(n.host.ID())
}

// ID returns the peer ID
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// IDString returns the peer ID as a string
func (n *Node) IDString() string {
	return n.ID().String()
}

// Addrs returns the multiaddrs the node is listening on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}

	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), n.ID().String()))
	}
	return addrs
}

// Connect connects to a peer
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}

	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	return nil
}
