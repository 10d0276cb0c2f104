// Package apitest provides a configurable in-memory nodeapi.API for tests.
package apitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
)

// Fake implements nodeapi.API from in-memory state. Zero value is usable;
// every field may be swapped per test. Calls are recorded for assertions.
type Fake struct {
	mu sync.Mutex

	Addr        nodeapi.Addresses
	NodeInfo    nodeapi.Info
	PeerList    []nodeapi.PeerRecord
	Graph       nodeapi.ChannelGraph
	BalanceSet  nodeapi.Balances
	Sessions    []nodeapi.Session
	Price       float64
	WinningProb float64

	// Inbox holds messages awaiting PopMessages. Successful sends append
	// their body here, unless LoseMessages is set.
	Inbox        []nodeapi.InboxMessage
	LoseMessages bool

	// Errs maps a method name to the error it should return.
	Errs map[string]error

	// Calls records method invocations as "Method(arg)" strings.
	Calls []string

	// NextPort numbers sessions handed out by OpenSession.
	NextPort int
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) err(method string) error {
	if f.Errs == nil {
		return nil
	}
	return f.Errs[method]
}

// CallsTo returns how many recorded calls start with the given prefix.
func (f *Fake) CallsTo(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *Fake) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Health()")
	return f.err("Health")
}

func (f *Fake) Addresses(ctx context.Context) (nodeapi.Addresses, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Addresses()")
	return f.Addr, f.err("Addresses")
}

func (f *Fake) Info(ctx context.Context) (nodeapi.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Info()")
	return f.NodeInfo, f.err("Info")
}

func (f *Fake) Peers(ctx context.Context, minQuality float64) ([]nodeapi.PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Peers()")
	if err := f.err("Peers"); err != nil {
		return nil, err
	}
	var out []nodeapi.PeerRecord
	for _, p := range f.PeerList {
		if p.Quality >= minQuality {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) Channels(ctx context.Context, includeClosed bool) (nodeapi.ChannelGraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Channels()")
	if err := f.err("Channels"); err != nil {
		return nodeapi.ChannelGraph{}, err
	}
	if includeClosed {
		return f.Graph, nil
	}
	var open nodeapi.ChannelGraph
	for _, ch := range f.Graph.All {
		if !ch.Status.IsClosed() {
			open.All = append(open.All, ch)
		}
	}
	return open, nil
}

func (f *Fake) Balances(ctx context.Context) (nodeapi.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Balances()")
	return f.BalanceSet, f.err("Balances")
}

func (f *Fake) OpenChannel(ctx context.Context, destination, amountWei string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("OpenChannel(" + destination + ")")
	if err := f.err("OpenChannel"); err != nil {
		return "", err
	}
	id := fmt.Sprintf("ch-%s", destination)
	ch := nodeapi.Channel{
		ID:                 id,
		SourcePeerID:       f.Addr.PeerID,
		SourceAddress:      f.Addr.Native,
		DestinationAddress: destination,
		Status:             nodeapi.ChannelOpen,
		Balance:            amountWei,
	}
	for _, p := range f.PeerList {
		if p.PeerAddress == destination {
			ch.DestinationPeerID = p.PeerID
			break
		}
	}
	f.Graph.All = append(f.Graph.All, ch)
	return id, nil
}

func (f *Fake) FundChannel(ctx context.Context, channelID, amountWei string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FundChannel(" + channelID + ")")
	return f.err("FundChannel")
}

func (f *Fake) CloseChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CloseChannel(" + channelID + ")")
	if err := f.err("CloseChannel"); err != nil {
		return err
	}
	for i, ch := range f.Graph.All {
		if ch.ID != channelID {
			continue
		}
		switch ch.Status {
		case nodeapi.ChannelOpen:
			f.Graph.All[i].Status = nodeapi.ChannelPendingToClose
		case nodeapi.ChannelPendingToClose:
			f.Graph.All[i].Status = nodeapi.ChannelClosed
		}
	}
	return nil
}

func (f *Fake) OpenSession(ctx context.Context, req nodeapi.SessionRequest) (nodeapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("OpenSession(" + req.Relayer + ")")
	if err := f.err("OpenSession"); err != nil {
		return nodeapi.Session{}, err
	}
	f.NextPort++
	s := nodeapi.Session{
		Target:   req.Destination,
		Relayer:  req.Relayer,
		Protocol: nodeapi.SessionUDP,
		IP:       "127.0.0.1",
		Port:     10000 + f.NextPort,
	}
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

func (f *Fake) CloseSession(ctx context.Context, s nodeapi.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("CloseSession(%s)", s.Relayer))
	if err := f.err("CloseSession"); err != nil {
		return err
	}
	for i, open := range f.Sessions {
		if open.Port == s.Port {
			f.Sessions = append(f.Sessions[:i], f.Sessions[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) ListSessions(ctx context.Context) ([]nodeapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListSessions()")
	if err := f.err("ListSessions"); err != nil {
		return nil, err
	}
	out := make([]nodeapi.Session, len(f.Sessions))
	copy(out, f.Sessions)
	return out, nil
}

func (f *Fake) SendMessage(ctx context.Context, destination, relayer string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendMessage(" + relayer + ")")
	if err := f.err("SendMessage"); err != nil {
		return err
	}
	if !f.LoseMessages {
		f.Inbox = append(f.Inbox, nodeapi.InboxMessage{Body: string(body)})
	}
	return nil
}

func (f *Fake) PopMessages(ctx context.Context) ([]nodeapi.InboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PopMessages()")
	if err := f.err("PopMessages"); err != nil {
		return nil, err
	}
	out := f.Inbox
	f.Inbox = nil
	return out, nil
}

func (f *Fake) TicketPrice(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TicketPrice()")
	return f.Price, f.err("TicketPrice")
}

func (f *Fake) WinningProbability(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WinningProbability()")
	return f.WinningProb, f.err("WinningProbability")
}
