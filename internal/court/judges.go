package court

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Briefing is the material every judge receives: the contract, the evidence,
// and both parties' positions.
type Briefing struct {
	TaskTitle    string   `json:"task_title"`
	TaskSpec     string   `json:"task_spec"`
	Reward       int64    `json:"reward"`
	Deliverables []string `json:"deliverables"`
	Claim        string   `json:"claim"`
	Rebuttal     string   `json:"rebuttal,omitempty"`
}

// Vote is one judge's verdict: the worker's share of escrow plus reasoning.
type Vote struct {
	JudgeID   string    `json:"judge_id"`
	WorkerPct int64     `json:"worker_pct"`
	Reasoning string    `json:"reasoning"`
	VotedAt   time.Time `json:"voted_at"`
}

// Judge evaluates a briefing. Implementations are LLM-backed services; the
// court only sees the vote.
type Judge interface {
	ID() string
	Evaluate(ctx context.Context, briefing *Briefing) (*Vote, error)
}

// HTTPJudge calls an external judge service over JSON/HTTP.
type HTTPJudge struct {
	id     string
	url    string
	client *http.Client
}

func NewHTTPJudge(id, url string, timeout time.Duration) *HTTPJudge {
	return &HTTPJudge{
		id:     id,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (j *HTTPJudge) ID() string { return j.id }

func (j *HTTPJudge) Evaluate(ctx context.Context, briefing *Briefing) (*Vote, error) {
	body, err := json.Marshal(briefing)
	if err != nil {
		return nil, fmt.Errorf("judge %s: marshal briefing: %w", j.id, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("judge %s: build request: %w", j.id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", j.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge %s: status %d", j.id, resp.StatusCode)
	}

	var verdict struct {
		WorkerPct int64  `json:"worker_pct"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("judge %s: decode verdict: %w", j.id, err)
	}
	if verdict.WorkerPct < 0 || verdict.WorkerPct > 100 {
		return nil, fmt.Errorf("judge %s: worker_pct %d out of range", j.id, verdict.WorkerPct)
	}
	return &Vote{
		JudgeID:   j.id,
		WorkerPct: verdict.WorkerPct,
		Reasoning: verdict.Reasoning,
		VotedAt:   time.Now().UTC(),
	}, nil
}

// summarySeparator joins judge reasonings into the ruling summary. It is
// part of the persisted record, so it never changes.
const summarySeparator = "\n---\n"

// medianPct is the middle vote after sorting. Panel sizes are odd, so the
// median is always an actual vote and ties cannot occur.
func medianPct(votes []Vote) int64 {
	pcts := make([]int64, len(votes))
	for i, v := range votes {
		pcts[i] = v.WorkerPct
	}
	sort.Slice(pcts, func(i, j int) bool { return pcts[i] < pcts[j] })
	return pcts[len(pcts)/2]
}

func composeSummary(votes []Vote) string {
	parts := make([]string, len(votes))
	for i, v := range votes {
		parts[i] = v.Reasoning
	}
	return strings.Join(parts, summarySeparator)
}

// summaryLine is the first reasoning line, used where the full summary would
// be unwieldy.
func summaryLine(summary string) string {
	if i := strings.Index(summary, "\n"); i >= 0 {
		return summary[:i]
	}
	return summary
}
