package transport

import (
	"context"
	"errors"
	"testing"
)

func TestHandshakeConnectsBothEnds(t *testing.T) {
	network := NewNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")

	var aliceSees, bobSees []string
	alice.OnPeerConnected(func(peerID string) { aliceSees = append(aliceSees, peerID) })
	bob.OnPeerConnected(func(peerID string) { bobSees = append(bobSees, peerID) })

	offer, err := alice.CreateOffer("bob")
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	answer, err := bob.AcceptOffer(offer)
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	if err := alice.Finalize(answer); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if len(aliceSees) != 1 || aliceSees[0] != "bob" {
		t.Errorf("Alice connected events = %v", aliceSees)
	}
	if len(bobSees) != 1 || bobSees[0] != "alice" {
		t.Errorf("Bob connected events = %v", bobSees)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	network := NewNetwork()
	alice := network.Attach("alice")
	network.Attach("bob")

	err := alice.Send("bob", []byte("hi"))
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Got %v, want ErrSendFailed wrapping ErrNotConnected", err)
	}
}

func TestSendDeliversAfterDial(t *testing.T) {
	network := NewNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")

	var got []byte
	var from string
	bob.OnMessage(func(peerID string, data []byte) {
		from = peerID
		got = append([]byte(nil), data...)
	})

	if err := alice.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := alice.Send("bob", []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if from != "alice" || string(got) != "hello" {
		t.Errorf("Delivered from=%q data=%q", from, got)
	}
}

func TestDisconnectFiresHandlers(t *testing.T) {
	network := NewNetwork()
	alice := network.Attach("alice")
	bob := network.Attach("bob")

	var lost string
	alice.OnPeerDisconnected(func(peerID string) { lost = peerID })

	if err := alice.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	network.Disconnect("alice", "bob")

	if lost != "bob" {
		t.Errorf("Disconnected peer = %q, want bob", lost)
	}

	if err := bob.Send("alice", []byte("x")); !errors.Is(err, ErrSendFailed) {
		t.Errorf("Send after disconnect: got %v, want ErrSendFailed", err)
	}
}

func TestDialUnknownPeer(t *testing.T) {
	network := NewNetwork()
	alice := network.Attach("alice")

	if err := alice.Dial(context.Background(), "ghost"); err == nil {
		t.Error("Dial to unattached peer should fail")
	}
}

func TestAcceptOfferRejectsMalformed(t *testing.T) {
	network := NewNetwork()
	bob := network.Attach("bob")

	if _, err := bob.AcceptOffer(&SessionDesc{Kind: SignalOffer}); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("Got %v, want ErrInvalidSignal", err)
	}
}
