package service

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDirectory implements DepartmentDirectory, PermissionRegistry and
// MandatoryApproverSource from plain maps.
type fakeDirectory struct {
	managers    map[string]string
	directors   map[string]string
	vps         map[string]string
	ceo         string
	departments map[string]string
	permissions map[string][]string
	crossDept   map[repository.RequestType]bool
	escalation  map[string]*repository.EscalationTarget
	mandatory   map[string][]repository.MandatoryApprover
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		managers:  map[string]string{"engineering": "mgr-eng", "finance": "mgr-fin"},
		directors: map[string]string{"engineering": "dir-eng", "finance": "dir-fin"},
		vps:       map[string]string{"engineering": "vp-eng", "finance": "vp-fin"},
		ceo:       "ceo",
		departments: map[string]string{
			"mgr-eng": "engineering", "dir-eng": "engineering", "vp-eng": "engineering",
			"alice": "engineering", "bob": "engineering", "carol": "engineering",
			"mgr-fin": "finance", "dir-fin": "finance", "frank": "finance",
			"ceo": "executive",
		},
		permissions: map[string][]string{
			"bob":   {"approval:document-approval", "approval:budget-approval"},
			"frank": {"approval:document-approval"},
		},
		crossDept:  map[repository.RequestType]bool{},
		escalation: map[string]*repository.EscalationTarget{"engineering": {UserID: "vp-eng", Level: "vp"}},
		mandatory:  map[string][]repository.MandatoryApprover{},
	}
}

func (d *fakeDirectory) ManagerOf(_ context.Context, dept string) (string, error) {
	return d.managers[dept], nil
}

func (d *fakeDirectory) DirectorOf(_ context.Context, dept string) (string, error) {
	return d.directors[dept], nil
}

func (d *fakeDirectory) VPOf(_ context.Context, dept string) (string, error) {
	return d.vps[dept], nil
}

func (d *fakeDirectory) CEO(context.Context) (string, error) { return d.ceo, nil }

func (d *fakeDirectory) DepartmentOf(_ context.Context, userID string) (string, bool, error) {
	dept, ok := d.departments[userID]
	return dept, ok, nil
}

func (d *fakeDirectory) EscalationTargetFor(_ context.Context, req *repository.ApprovalRequest) (*repository.EscalationTarget, error) {
	return d.escalation[req.Department], nil
}

func (d *fakeDirectory) HasPermission(_ context.Context, userID, permission string) (bool, error) {
	for _, p := range d.permissions[userID] {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) CrossDepartmentDelegationAllowed(_ context.Context, t repository.RequestType) (bool, error) {
	return d.crossDept[t], nil
}

func (d *fakeDirectory) MandatoryApprovers(_ context.Context, dept string, _ repository.RequestType) ([]repository.MandatoryApprover, error) {
	return d.mandatory[dept], nil
}

type sentNotification struct {
	recipient string
	event     string
	payload   repository.NotificationPayload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, recipient, event string, payload repository.NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{recipient: recipient, event: event, payload: payload})
	return n.err
}

func (n *recordingNotifier) events(event string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.event == event {
			out = append(out, s.recipient)
		}
	}
	return out
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*repository.AuditEvent
	err    error
}

func (a *recordingAudit) Record(_ context.Context, e *repository.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return a.err
}

func (a *recordingAudit) GetByRequestID(_ context.Context, requestID string) ([]*repository.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.AuditEvent
	for _, e := range a.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

// conflictingStore fails the first n commits with a CONFLICT after bumping
// the stored version, the way a concurrent writer would.
type conflictingStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	conflicts int
	commits   int
}

func (s *conflictingStore) Commit(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate func(*repository.ApprovalRequest) error,
) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	s.commits++
	inject := s.conflicts > 0
	if inject {
		s.conflicts--
	}
	s.mu.Unlock()

	if inject {
		if _, err := s.MemoryStore.Commit(ctx, id, expectedVersion, func(*repository.ApprovalRequest) error { return nil }); err != nil {
			return nil, err
		}
		return nil, errors.Conflict("approval_request", id)
	}
	return s.MemoryStore.Commit(ctx, id, expectedVersion, mutate)
}

// failingCommitStore fails every commit with err.
type failingCommitStore struct {
	*repository.MemoryStore
	err error
}

func (s *failingCommitStore) Commit(context.Context, string, int64, func(*repository.ApprovalRequest) error) (*repository.ApprovalRequest, error) {
	return nil, s.err
}

// cancelOnGetStore cancels the caller's context once the request has been
// read, so the following commit starts on a dead context.
type cancelOnGetStore struct {
	*repository.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelOnGetStore) Get(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, err := s.MemoryStore.Get(ctx, id)
	s.cancel()
	return req, err
}

var errBoom = stderrors.New("boom")

type harness struct {
	svc      *ApprovalService
	store    *repository.MemoryStore
	dir      *fakeDirectory
	notifier *recordingNotifier
	audit    *recordingAudit
	clock    *testClock
}

func newHarness(opts Options) *harness {
	h := &harness{
		store:    repository.NewMemoryStore(),
		dir:      newFakeDirectory(),
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		clock:    newTestClock(),
	}
	opts.Now = h.clock.Now
	h.svc = NewApprovalService(h.store, h.dir, h.dir, h.dir, h.audit, h.notifier, opts, logger.Nop())
	return h
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func documentRequest() SubmitRequest {
	return SubmitRequest{
		Type:        repository.TypeDocumentApproval,
		Title:       "Supplier code of conduct",
		Description: "Annual refresh",
		Department:  "engineering",
	}
}

func budgetRequest(units int64) SubmitRequest {
	return SubmitRequest{
		Type:        repository.TypeBudgetApproval,
		Title:       "FY27 tooling budget",
		Description: "Build infrastructure",
		Department:  "engineering",
		Value:       int64Ptr(units * 100),
		Currency:    "EUR",
	}
}
