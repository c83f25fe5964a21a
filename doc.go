/*
Package peernet provides a peer-to-peer named messaging overlay for local
networks.

Every peer has an identity made of a group and a name. Peers announce
themselves with periodic beacons, connect to the members of their group
automatically, and exchange typed messages: a whisper goes to one peer, a
shout goes to every connected peer of the group. Payloads can be
encrypted with a key derived from a passphrase shared by the group.

# Quick Start

Create and start a peer:

	p, err := peernet.New("alice",
		peernet.WithGroup("lab"),
		peernet.WithPassphrase("correct horse battery staple"),
	)
	if err != nil {
		// Handle error
	}
	if err := p.Start(ctx); err != nil {
		// Handle error
	}
	defer p.Stop()

Register handlers. They run one at a time on a dedicated goroutine, in
the order events happened:

	p.OnConnect(func(p *peernet.Peer, remote peernet.Identity, md map[string]string) {
		log.Printf("%s joined", remote)
	})

	bob := peernet.NewIdentity("lab", "bob")
	p.OnMessage(bob, "CHAT", func(p *peernet.Peer, remote peernet.Identity, msgType string, payload []byte) {
		log.Printf("%s: %s", remote.Name, payload)
	})

	p.OnError(func(p *peernet.Peer, err error) {
		var he *peernet.HandshakeError
		if errors.As(err, &he) {
			log.Printf("handshake with %s failed: %v", he.Identity, he.Err)
		}
	})

Send messages:

	err = p.Whisper(ctx, bob, "CHAT", []byte("hi bob"))
	err = p.Shout(ctx, "CHAT", []byte("hi everyone"))

# Liveness

A connected peer that sends nothing for EvasiveTimeout is reported
evasive and pinged; after SilentTimeout it is reported silent; after
ExpiredTimeout it is disconnected. Any inbound frame resets the clock and
re-arms the events.

# Identity Conflicts

Two running peers must not share an identity. Within a process Start
fails with ErrIdentityInUse; across the network the handshake is refused
and both peers receive an error event matching ErrIdentityConflict.

# Transports

The default transport announces peers with UDP multicast and carries
streams over libp2p. Tests and embedded use can run peers in one process
over the in-memory transport:

	hub := memory.NewHub()
	p, _ := peernet.New("alice", peernet.WithTransport(hub.Factory()))

# Observability

Logger, Metrics and Tracer are small interfaces; adapters for Prometheus,
go-metrics and OpenTelemetry live in the prometheus, gometrics and otel
subpackages. HealthHandler and LivenessHandler expose readiness over
HTTP, and DumpState reports the membership table.
*/
package peernet
