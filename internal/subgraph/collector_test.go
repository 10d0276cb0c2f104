package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// graphServer serves canned rows under the given root field, honouring
// first/skip pagination.
func graphServer(t *testing.T, root string, rows []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables struct {
				First int `json:"first"`
				Skip  int `json:"skip"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start := req.Variables.Skip
		if start > len(rows) {
			start = len(rows)
		}
		end := start + req.Variables.First
		if end > len(rows) {
			end = len(rows)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{root: rows[start:end]},
		})
	}))
}

func failingServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
}

func newCollector(t *testing.T, reg *registry.Registry, endpoints map[string]config.EndpointPair, pageSize, threshold int) *Collector {
	t.Helper()
	c, err := NewCollector(config.EconomySubgraphConfig{
		PageSize:         pageSize,
		FailureThreshold: threshold,
		Endpoints:        endpoints,
	}, reg, 5*time.Second)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func seedPeers(r *registry.Registry, natives ...string) {
	seen := make(map[string]registry.TopologyInfo)
	for i, native := range natives {
		id := fmt.Sprintf("p%d", i+1)
		seen[id] = registry.TopologyInfo{
			Address: types.NewAddress(id, native),
			Version: "2.1.5",
			Quality: 1,
		}
	}
	r.ApplyTopology(seen, time.Now())
}

func TestFetchAll_PaginatesUntilShortPage(t *testing.T) {
	rows := make([]map[string]interface{}, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, map[string]interface{}{"owner": fmt.Sprintf("0xs%d", i)})
	}
	srv := graphServer(t, "accounts", rows)
	defer srv.Close()

	p := NewProvider(QueryStaking, stakingQuery, "accounts", srv.URL, "", 2, 3, 5*time.Second)
	got, err := p.FetchAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("rows = %d, want 5", len(got))
	}
}

func TestCollectSafes_AppliesBalancesAndRegistration(t *testing.T) {
	srv := graphServer(t, "safes", []map[string]interface{}{
		{
			"address":   "0xSAFE1",
			"balance":   "10000000000000000000", // 10 tokens
			"allowance": "1000000000000000000",
			"registeredNodes": []map[string]string{
				{"address": "0xN1"},
				{"address": "0xn2"},
			},
		},
	})
	defer srv.Close()

	reg := registry.New()
	seedPeers(reg, "0xn1", "0xn2", "0xn3")

	c := newCollector(t, reg, map[string]config.EndpointPair{
		QuerySafes: {Primary: srv.URL},
	}, 100, 3)

	if err := c.CollectSafes(context.Background()); err != nil {
		t.Fatalf("CollectSafes: %v", err)
	}

	p1, _ := reg.Get("p1")
	if p1.SafeAddress != "0xsafe1" || p1.SafeBalance != 10 || !p1.Registered {
		t.Fatalf("unexpected p1 %+v", p1)
	}
	if p1.SafePeerCount != 2 {
		t.Fatalf("SafePeerCount = %d, want 2 siblings", p1.SafePeerCount)
	}
	p3, _ := reg.Get("p3")
	if p3.Registered {
		t.Fatal("p3 has no safe, must stay unregistered")
	}
}

func TestFailover_SwitchesToBackupAfterThreshold(t *testing.T) {
	var primaryHits atomic.Int32
	primary := failingServer(t, &primaryHits)
	defer primary.Close()

	backup := graphServer(t, "safes", []map[string]interface{}{
		{
			"address":         "0xsafe1",
			"balance":         "5000000000000000000",
			"allowance":       "1000000000000000000",
			"registeredNodes": []map[string]string{{"address": "0xn1"}},
		},
	})
	defer backup.Close()

	reg := registry.New()
	seedPeers(reg, "0xn1")
	reg.ApplySafes(map[string]registry.SafeInfo{
		"0xn1": {SafeAddress: "0xcached", SafeBalance: 7, SafeAllowance: 1, Registered: true},
	})

	c := newCollector(t, reg, map[string]config.EndpointPair{
		QuerySafes: {Primary: primary.URL, Backup: backup.URL},
	}, 100, 3)
	prov := c.Provider(QuerySafes)

	// Failing polls below the threshold stay on primary and must not touch
	// previously collected data.
	for i := 0; i < 3; i++ {
		if err := c.CollectSafes(context.Background()); err == nil {
			t.Fatalf("poll %d: expected error from failing primary", i+1)
		}
		p, _ := reg.Get("p1")
		if p.SafeAddress != "0xcached" || p.SafeBalance != 7 {
			t.Fatalf("poll %d clobbered cached safe data: %+v", i+1, p)
		}
	}

	if prov.Mode() != ModeBackup {
		t.Fatalf("Mode = %v after threshold failures, want backup", prov.Mode())
	}

	// Next poll is served by the backup.
	if err := c.CollectSafes(context.Background()); err != nil {
		t.Fatalf("CollectSafes via backup: %v", err)
	}
	p, _ := reg.Get("p1")
	if p.SafeAddress != "0xsafe1" || p.SafeBalance != 5 {
		t.Fatalf("backup data not applied: %+v", p)
	}
	if primaryHits.Load() != 3 {
		t.Fatalf("primary hit %d times, want 3", primaryHits.Load())
	}
}

func TestFailover_BackupFailureStopsQuerying(t *testing.T) {
	primary := failingServer(t, nil)
	defer primary.Close()
	backup := failingServer(t, nil)
	defer backup.Close()

	p := NewProvider(QueryStaking, stakingQuery, "accounts", primary.URL, backup.URL, 100, 1, 5*time.Second)

	if _, err := p.FetchAll(context.Background(), nil); err == nil {
		t.Fatal("expected primary failure")
	}
	if p.Mode() != ModeBackup {
		t.Fatalf("Mode = %v, want backup", p.Mode())
	}
	if _, err := p.FetchAll(context.Background(), nil); err == nil {
		t.Fatal("expected backup failure")
	}
	if p.Mode() != ModeNone {
		t.Fatalf("Mode = %v, want none", p.Mode())
	}

	// With no endpoint left, queries fail fast without network traffic.
	if _, err := p.FetchAll(context.Background(), nil); err != ErrNoEndpoint {
		t.Fatalf("err = %v, want ErrNoEndpoint", err)
	}
}

func TestRotate_RestoresRecoveredPrimary(t *testing.T) {
	srv := graphServer(t, "accounts", []map[string]interface{}{{"owner": "0xs1"}})
	defer srv.Close()

	p := NewProvider(QueryStaking, stakingQuery, "accounts", srv.URL, "", 100, 1, 5*time.Second)
	p.setMode(ModeNone)

	p.Rotate(context.Background())
	if p.Mode() != ModePrimary {
		t.Fatalf("Mode = %v after rotation, want primary", p.Mode())
	}

	if _, err := p.FetchAll(context.Background(), nil); err != nil {
		t.Fatalf("FetchAll after rotation: %v", err)
	}
}

func TestCollectNFTHolders_FlagsBySafe(t *testing.T) {
	srv := graphServer(t, "accounts", []map[string]interface{}{
		{"owner": "0xSAFE1"},
	})
	defer srv.Close()

	reg := registry.New()
	seedPeers(reg, "0xn1", "0xn2")
	reg.ApplySafes(map[string]registry.SafeInfo{
		"0xn1": {SafeAddress: "0xsafe1", Registered: true},
		"0xn2": {SafeAddress: "0xsafe2", Registered: true},
	})

	c := newCollector(t, reg, map[string]config.EndpointPair{
		QueryStaking: {Primary: srv.URL},
	}, 100, 3)

	if err := c.CollectNFTHolders(context.Background()); err != nil {
		t.Fatalf("CollectNFTHolders: %v", err)
	}
	p1, _ := reg.Get("p1")
	p2, _ := reg.Get("p2")
	if !p1.NFTHolder || p2.NFTHolder {
		t.Fatalf("NFTHolder flags wrong: p1=%v p2=%v", p1.NFTHolder, p2.NFTHolder)
	}
}

func TestCollectAllocations_SumsPerSafe(t *testing.T) {
	srv := graphServer(t, "allocations", []map[string]interface{}{
		{"safe": "0xsafe1", "unclaimedAmount": "1000000000000000000"},
		{"safe": "0xSAFE1", "unclaimedAmount": "2000000000000000000"},
	})
	defer srv.Close()

	reg := registry.New()
	seedPeers(reg, "0xn1")
	reg.ApplySafes(map[string]registry.SafeInfo{
		"0xn1": {SafeAddress: "0xsafe1", Registered: true},
	})

	c := newCollector(t, reg, map[string]config.EndpointPair{
		QueryAllocations: {Primary: srv.URL},
	}, 100, 3)

	if err := c.CollectAllocations(context.Background()); err != nil {
		t.Fatalf("CollectAllocations: %v", err)
	}
	p, _ := reg.Get("p1")
	if p.AllocationBalance != 3 {
		t.Fatalf("AllocationBalance = %v, want 3", p.AllocationBalance)
	}
}
