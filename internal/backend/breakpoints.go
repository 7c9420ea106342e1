package backend

import "strings"

// BreakpointManager maintains the authoritative per-source breakpoint set
// and reconciles it against the backend on every setBreakpoints request.
type BreakpointManager struct {
	api BackendAPI
	// byFile maps normalized local file path -> ordered breakpoint records
	// for that file. The set for a file is always exactly what the backend
	// currently holds for it.
	byFile map[string][]BreakpointRecord
}

// NewBreakpointManager constructs a manager bound to api.
func NewBreakpointManager(api BackendAPI) *BreakpointManager {
	return &BreakpointManager{api: api, byFile: make(map[string][]BreakpointRecord)}
}

// RequestedBreakpoint is one client-requested breakpoint for a file.
type RequestedBreakpoint struct {
	Line      int
	Condition string
}

// ResultBreakpoint is the per-breakpoint result reported back to the
// client, in request order.
type ResultBreakpoint struct {
	Verified bool
	Line     int
}

// SetBreakpoints clears every previously-created breakpoint for
// localFile/remoteFile, creates the requested set, and returns per-request
// verification results in the same order as requested.
func (m *BreakpointManager) SetBreakpoints(localFile, remoteFile string,
	requested []RequestedBreakpoint, cfg LoadConfig) ([]ResultBreakpoint, error) {

	if prev, ok := m.byFile[localFile]; ok {
		for _, rec := range prev {
			// Already-cleared records (unverified, no backend id) need no
			// RPC; clearing an unknown id is harmless but pointless.
			if rec.BackendID == 0 {
				continue
			}
			if err := m.api.ClearBreakpoint(rec.BackendID); err != nil {
				return nil, CodedError(ErrCodeSetBreakpointHalt,
					"failed to clear existing breakpoint", err)
			}
		}
	}

	created := make([]BreakpointRecord, 0, len(requested))
	results := make([]ResultBreakpoint, len(requested))

	for i, req := range requested {
		id, err := m.api.CreateBreakpoint(remoteFile, req.Line, req.Condition, cfg)
		if err != nil {
			if isAlreadyExists(err) {
				rec, found := m.adoptExisting(remoteFile, req.Line)
				if found {
					created = append(created, rec)
					results[i] = ResultBreakpoint{Verified: true, Line: rec.Line}
					continue
				}
				// No match found in the backend's own listing: record as
				// unverified.
				created = append(created, BreakpointRecord{
					File: remoteFile, Line: req.Line, Condition: req.Condition,
				})
				results[i] = ResultBreakpoint{Verified: false, Line: req.Line}
				continue
			}
			return nil, CodedError(ErrCodeSetBreakpointHalt,
				"failed to create breakpoint", err)
		}

		rec := BreakpointRecord{
			BackendID: id, File: remoteFile, Line: req.Line,
			Condition: req.Condition, Verified: true,
		}
		created = append(created, rec)
		results[i] = ResultBreakpoint{Verified: true, Line: req.Line}
	}

	m.byFile[localFile] = created
	return results, nil
}

// adoptExisting fetches the backend's current breakpoint listing once and
// finds the record matching file/line, recovering from an "already exists"
// creation failure.
func (m *BreakpointManager) adoptExisting(remoteFile string, line int) (BreakpointRecord, bool) {
	all, err := m.api.ListBreakpoints()
	if err != nil {
		return BreakpointRecord{}, false
	}
	for _, rec := range all {
		if rec.File == remoteFile && rec.Line == line {
			return rec, true
		}
	}
	return BreakpointRecord{}, false
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists") ||
		strings.Contains(err.Error(), "Breakpoint exists")
}
