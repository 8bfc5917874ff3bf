package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prlxnet/xhash-proxy/rpc"
)

// workServer answers eth_getWork with a sequence of canned triples, one per
// call, repeating the last once exhausted.
func workServer(t *testing.T, triples [][3]string) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		idx := i
		if idx >= len(triples) {
			idx = len(triples) - 1
		}
		i++
		triple := triples[idx]

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  []string{triple[0], triple[1], triple[2]},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestJobManager(t *testing.T, triples [][3]string) *JobManager {
	t.Helper()
	srv := workServer(t, triples)
	t.Cleanup(srv.Close)
	client, err := rpc.NewClient("test", srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)
	return NewJobManager(client)
}

func TestPollWorkDetectsNewHeader(t *testing.T) {
	jm := newTestJobManager(t, [][3]string{
		{"0xAA", "0xBB", "0x00ff"},
	})

	job := jm.PollWork()
	if job == nil {
		t.Fatal("expected a new job on first poll")
	}
	if job.HeaderHash != "0xAA" {
		t.Errorf("HeaderHash = %q, want 0xAA", job.HeaderHash)
	}
}

func TestPollWorkStableHeaderProducesOneJob(t *testing.T) {
	jm := newTestJobManager(t, [][3]string{
		{"0xAA", "0xBB", "0x00ff"},
	})

	first := jm.PollWork()
	if first == nil {
		t.Fatal("expected job on first call")
	}
	if second := jm.PollWork(); second != nil {
		t.Error("expected nil on second call with unchanged header")
	}
	if third := jm.PollWork(); third != nil {
		t.Error("expected nil on third call with unchanged header")
	}
}

func TestFindJobByIDAndHeader(t *testing.T) {
	jm := newTestJobManager(t, [][3]string{
		{"0xAA", "0xBB", "0x00ff"},
	})
	job := jm.PollWork()

	if got := jm.FindJob(job.JobID, ""); got != job {
		t.Error("FindJob by jobID failed")
	}
	if got := jm.FindJob("", "0xaa"); got != job {
		t.Error("FindJob by header (case-insensitive) failed")
	}
	if got := jm.FindJob("", ""); got != nil {
		t.Error("FindJob with no args should return nil")
	}
	if got := jm.FindJob("0xdead", ""); got != nil {
		t.Error("FindJob with unknown jobID should return nil")
	}
}

func TestCacheEvictionKeepsNewest20(t *testing.T) {
	triples := make([][3]string, 25)
	for i := range triples {
		triples[i] = [3]string{
			fmt.Sprintf("0xheader%02d", i),
			"0xseed",
			"0x00ff",
		}
	}
	jm := newTestJobManager(t, triples)

	var jobs []*Job
	for range triples {
		job := jm.PollWork()
		if job == nil {
			t.Fatal("expected a job for each distinct header")
		}
		jobs = append(jobs, job)
	}

	jm.mu.RLock()
	n := len(jm.jobs)
	jm.mu.RUnlock()
	if n != maxCachedJobs {
		t.Fatalf("cache size = %d, want %d", n, maxCachedJobs)
	}

	// The 5 oldest jobs must be gone.
	for _, j := range jobs[:5] {
		if got := jm.FindJob(j.JobID, ""); got != nil {
			t.Errorf("expected evicted job %s to be gone", j.JobID)
		}
	}
	// The 20 newest must remain.
	for _, j := range jobs[5:] {
		if got := jm.FindJob(j.JobID, ""); got != j {
			t.Errorf("expected job %s to survive eviction", j.JobID)
		}
	}
}

func TestSubmitSolutionNormalizesHex(t *testing.T) {
	var gotParams []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			ID     json.RawMessage   `json:"id"`
			Params []json.RawMessage `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, p := range req.Params {
			var s string
			json.Unmarshal(p, &s)
			gotParams = append(gotParams, s)
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": true}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := rpc.NewClient("test", srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	jm := NewJobManager(client)

	outcome := jm.SubmitSolution("1234", "aa", "cc")
	if outcome.Result != SubmitAccepted {
		t.Fatalf("expected accepted, got %v (%s)", outcome.Result, outcome.Detail)
	}
	want := []string{"0x1234", "0xaa", "0xcc"}
	for i, w := range want {
		if gotParams[i] != w {
			t.Errorf("param[%d] = %q, want %q", i, gotParams[i], w)
		}
	}
}
