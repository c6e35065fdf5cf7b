package apt

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/devmgmt/swagent"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	// stderr maps a command line prefix onto the stderr it produces.
	stderr map[string]string
	listed string
	fail   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Output, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	f.commands = append(f.commands, line)
	f.mu.Unlock()

	if name == defaultDpkgQuery {
		if f.fail != nil {
			return Output{Stderr: []byte("dpkg-query: not found")}, f.fail
		}
		return Output{Stdout: []byte(f.listed)}, nil
	}
	for prefix, text := range f.stderr {
		if strings.HasPrefix(line, prefix) {
			return Output{Stderr: []byte(text)}, errors.New("exit status 100")
		}
	}
	return Output{}, nil
}

const dpkgListing = "ii \tcurl\t7.81.0-1ubuntu1.15\n" +
	"rc \told-conf\t1.0\n" +
	"ii \tnginx\t1.24.0\n" +
	"iU \thalf\t0.1\n"

func TestListInstalledTwiceIsIdentical(t *testing.T) {
	runner := &fakeRunner{listed: "ii \tzlib1g\t1:1.2.13\n" +
		"ii \tcurl\t7.81.0\n" +
		"ii \tapt\t2.4.11\n"}
	b := New(Config{Runner: runner})

	first, err := b.ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("first ListInstalled: %v", err)
	}
	second, err := b.ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("second ListInstalled: %v", err)
	}
	want := []swagent.InstalledSoftware{
		{Name: "apt", Version: "2.4.11", SoftwareType: swagent.SoftwareTypeApt},
		{Name: "curl", Version: "7.81.0", SoftwareType: swagent.SoftwareTypeApt},
		{Name: "zlib1g", Version: "1:1.2.13", SoftwareType: swagent.SoftwareTypeApt},
	}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("first listing = %+v, want %+v", first, want)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("listing changed between calls: %+v vs %+v", first, second)
	}
}

func TestListInstalled(t *testing.T) {
	runner := &fakeRunner{listed: dpkgListing}
	b := New(Config{Runner: runner})

	first, err := b.ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	if len(first) != 2 || first[0].Name != "curl" || first[1].Name != "nginx" {
		t.Fatalf("unexpected listing %+v", first)
	}
	if first[0].SoftwareType != swagent.SoftwareTypeApt {
		t.Fatalf("software type = %q", first[0].SoftwareType)
	}
	second, _ := b.ListInstalled(context.Background())
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("listing is not stable: %+v vs %+v", first, second)
		}
	}
}

func TestListInstalledUnavailable(t *testing.T) {
	b := New(Config{Runner: &fakeRunner{fail: errors.New("executable file not found")}})
	_, err := b.ListInstalled(context.Background())
	if !errors.Is(err, swagent.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestApplyBatchCommands(t *testing.T) {
	runner := &fakeRunner{listed: dpkgListing}
	b := New(Config{Runner: runner})

	var progressed int
	errs, applied := b.ApplyBatch(context.Background(), []swagent.SoftwareItem{
		{Name: "jq", Version: "1.6", Action: swagent.ActionInstall},
		{Name: "nginx", Version: "1.22.1", Action: swagent.ActionUpdate},
		{Name: "curl", Version: "latest", Action: swagent.ActionUpdate},
		{Name: "old", Action: swagent.ActionDelete},
		{Name: "odd", Action: swagent.ActionNone},
	}, swagent.ApplyOptions{RefreshIndex: true, Progress: func(swagent.AppliedItem) { progressed++ }})

	if !errs.Empty() {
		t.Fatalf("unexpected errors: %s", errs.Join(" - "))
	}
	if len(applied) != 4 || progressed != 4 {
		t.Fatalf("applied=%d progressed=%d", len(applied), progressed)
	}
	want := []string{
		"apt-get update",
		"apt-get install -y jq=1.6",
		strings.TrimSpace("dpkg-query -W -f=" + listFormat),
		"apt-get install -y --allow-downgrades nginx=1.22.1",
		"apt-get install -y --only-upgrade curl",
		"apt-get remove -y old",
	}
	if strings.Join(runner.commands, "|") != strings.Join(want, "|") {
		t.Fatalf("commands:\n%s\nwant:\n%s", strings.Join(runner.commands, "\n"), strings.Join(want, "\n"))
	}
}

func TestApplyBatchStderrIsFailure(t *testing.T) {
	runner := &fakeRunner{stderr: map[string]string{
		"apt-get install -y ghost": "E: Unable to locate package ghost\n",
	}}
	b := New(Config{Runner: runner})

	errs, applied := b.ApplyBatch(context.Background(), []swagent.SoftwareItem{
		{Name: "ghost", Action: swagent.ActionInstall},
		{Name: "jq", Action: swagent.ActionInstall},
	}, swagent.ApplyOptions{})

	if errs.Len() != 1 {
		t.Fatalf("expected one error, got %d", errs.Len())
	}
	if got := errs.Join(" - "); got != "Apt ghost error: E: Unable to locate package ghost" {
		t.Fatalf("error text = %q", got)
	}
	if applied[0].OK() || !applied[1].OK() {
		t.Fatalf("partial failure not reflected: %+v", applied)
	}
	if !errors.Is(applied[0].Err, swagent.ErrItemApply) {
		t.Fatalf("item error must match ErrItemApply")
	}
	for _, cmd := range runner.commands {
		if cmd == "apt-get update" {
			t.Fatalf("index refresh was not requested")
		}
	}
}

func TestInstallFile(t *testing.T) {
	runner := &fakeRunner{stderr: map[string]string{"apt-get install -y /tmp/bad.deb": "E: Invalid archive"}}
	b := New(Config{Runner: runner})

	if err := b.InstallFile(context.Background(), "/tmp/good.deb"); err != nil {
		t.Fatalf("InstallFile: %v", err)
	}
	err := b.InstallFile(context.Background(), "/tmp/bad.deb")
	if err == nil || err.Error() != "E: Invalid archive" {
		t.Fatalf("expected stderr as error, got %v", err)
	}
}

func TestIsDowngrade(t *testing.T) {
	cases := []struct {
		have, want string
		expect     bool
	}{
		{"1.24.0", "1.22.1", true},
		{"1.0", "2.0", false},
		{"", "1.0", false},
		{"1:2.3-1ubuntu1", "1.0", false},
	}
	for _, tc := range cases {
		if got := isDowngrade(tc.have, tc.want); got != tc.expect {
			t.Fatalf("isDowngrade(%q, %q) = %v", tc.have, tc.want, got)
		}
	}
}
