package ls

import (
	"sort"

	"go.bug.st/lsp"
)

type progressStatus int

const (
	progressCreated progressStatus = iota
	progressBegin
	progressReport
)

// Progress is a long running operation of the server, such as the
// background indexing of the project.
type Progress struct {
	Token   string
	Title   string
	Message string
}

type progressEntry struct {
	status progressStatus
	Progress
}

// progressTracker follows the work done progress reported by the server.
// It is owned by the session goroutine.
type progressTracker struct {
	entries map[string]*progressEntry
}

func newProgressTracker() *progressTracker {
	return &progressTracker{entries: map[string]*progressEntry{}}
}

func (p *progressTracker) Create(token string) {
	if _, created := p.entries[token]; created {
		return
	}
	p.entries[token] = &progressEntry{
		status:   progressCreated,
		Progress: Progress{Token: token},
	}
}

func (p *progressTracker) Begin(token string, req *lsp.WorkDoneProgressBegin) {
	entry, ok := p.entries[token]
	if !ok {
		// servers may skip the create request
		p.Create(token)
		entry = p.entries[token]
	}
	if entry.status != progressCreated {
		return
	}
	entry.status = progressBegin
	entry.Title = req.Title
}

func (p *progressTracker) Report(token string, req *lsp.WorkDoneProgressReport) {
	entry, ok := p.entries[token]
	if !ok || entry.status == progressCreated {
		return
	}
	entry.status = progressReport
	if req.Message != nil {
		entry.Message = *req.Message
	}
}

func (p *progressTracker) End(token string, req *lsp.WorkDoneProgressEnd) {
	delete(p.entries, token)
}

// Active returns the operations in progress, sorted by token.
func (p *progressTracker) Active() []Progress {
	res := []Progress{}
	for _, entry := range p.entries {
		if entry.status == progressBegin || entry.status == progressReport {
			res = append(res, entry.Progress)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Token < res[j].Token })
	return res
}

// Shutdown forgets every operation, the server will not report their end.
func (p *progressTracker) Shutdown() {
	p.entries = map[string]*progressEntry{}
}
