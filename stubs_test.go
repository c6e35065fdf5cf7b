package swagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Encode())
	}
	return out
}

type stubBackend struct {
	mu        sync.Mutex
	kind      BackendKind
	installed []InstalledSoftware
	listErr   error
	failures  map[string]string
	panicMsg  string
	batches   [][]SoftwareItem
	listCalls int
	opts      []ApplyOptions
	// gate, when set, holds ListInstalled until closed; entered is
	// signalled as a call reaches it.
	gate    chan struct{}
	entered chan struct{}
}

func (b *stubBackend) holdListing() (release func(), entered <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.entered = make(chan struct{}, 1)
	gate := b.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }, b.entered
}

func (b *stubBackend) Kind() BackendKind { return b.kind }

func (b *stubBackend) ListInstalled(context.Context) ([]InstalledSoftware, error) {
	b.mu.Lock()
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]InstalledSoftware(nil), b.installed...), nil
}

func (b *stubBackend) ApplyBatch(_ context.Context, items []SoftwareItem, opts ApplyOptions) (ErrorList, []AppliedItem) {
	b.mu.Lock()
	b.batches = append(b.batches, append([]SoftwareItem(nil), items...))
	b.opts = append(b.opts, opts)
	b.mu.Unlock()
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}

	var (
		errs    ErrorList
		applied []AppliedItem
	)
	for _, item := range items {
		if item.Action == ActionNone {
			continue
		}
		var err error
		if text, ok := b.failures[item.Name]; ok {
			err = NewItemError(b.kind, item.Name, errors.New(text))
			errs.Add(err)
		}
		done := AppliedItem{SoftwareItem: item, Err: err}
		applied = append(applied, done)
		if opts.Progress != nil {
			opts.Progress(done)
		}
	}
	return errs, applied
}

func (b *stubBackend) Batches() [][]SoftwareItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches
}

type stubInventory struct {
	mu       sync.Mutex
	id       string
	updates  []map[string]any
	advanced [][]InstalledSoftware
}

func (s *stubInventory) InternalID(context.Context, string) (string, error) {
	return s.id, nil
}

func (s *stubInventory) UpdateManagedObject(_ context.Context, _ string, fragment map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fragment)
	return nil
}

func (s *stubInventory) SetAdvancedSoftwareList(_ context.Context, _ string, items []InstalledSoftware) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanced = append(s.advanced, items)
	return nil
}

func (s *stubInventory) Updates() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type stubFetcher struct {
	path string
	err  error
	urls []string
}

func (f *stubFetcher) DownloadBinary(_ context.Context, url string) (string, error) {
	f.urls = append(f.urls, url)
	return f.path, f.err
}

type stubInstaller struct {
	stderr string
	paths  []string
}

func (i *stubInstaller) InstallFile(_ context.Context, path string) error {
	i.paths = append(i.paths, path)
	if i.stderr != "" {
		return errors.New(i.stderr)
	}
	return nil
}

type harness struct {
	publisher *recordingPublisher
	inventory *stubInventory
	token     *Token
	os        *stubBackend
	snap      *stubBackend
	fetcher   *stubFetcher
	installer *stubInstaller
	reporter  *Reporter
}

func newHarness(t *testing.T, withToken bool) *harness {
	t.Helper()
	h := &harness{
		publisher: &recordingPublisher{},
		inventory: &stubInventory{id: "4711"},
		token:     NewToken(),
		os:        &stubBackend{kind: BackendOS},
		snap:      &stubBackend{kind: BackendSandboxed},
		fetcher:   &stubFetcher{path: "/nonexistent/swagent-test.deb"},
		installer: &stubInstaller{},
	}
	if withToken {
		h.token.Set("jwt")
	}
	reporter, err := NewReporter(ReporterConfig{
		Publisher: h.publisher,
		Inventory: h.inventory,
		Token:     h.token,
		Serial:    "dev1",
		TokenWait: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	h.reporter = reporter
	return h
}

func (h *harness) dispatcher(t *testing.T, mode BackendKind) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Mode:      mode,
		OS:        h.os,
		Sandboxed: h.snap,
		Installer: h.installer,
		Fetcher:   h.fetcher,
		Reporter:  h.reporter,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}
