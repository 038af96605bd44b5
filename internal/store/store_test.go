package store

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zoro11031/winebasin/internal/common"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	return s
}

func testBasis(name string) *Basis {
	return &Basis{
		Name:      name,
		Root:      "/data/winebasin/basis/" + name,
		Arch:      ArchWin64,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Packages:  PackagesNone,
	}
}

func testSystem(name, basis string) *System {
	return &System{
		Name:      name,
		Basis:     basis,
		Upper:     "/data/winebasin/system/" + name + "/upper",
		Work:      "/data/winebasin/system/" + name + "/work",
		Merged:    "/data/winebasin/system/" + name + "/merged",
		State:     StateUnmounted,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetBasis(t *testing.T) {
	s := testStore(t)

	b := testBasis("b1")
	b.Packages = PackagesFailed
	b.PackageWarning = "winetricks exited with status 1"
	if err := s.CreateBasis(b); err != nil {
		t.Fatalf("create basis: %v", err)
	}

	got, err := s.GetBasis("b1")
	if err != nil {
		t.Fatalf("get basis: %v", err)
	}
	if got.Root != b.Root {
		t.Errorf("root = %q, want %q", got.Root, b.Root)
	}
	if got.Packages != PackagesFailed || got.PackageWarning == "" {
		t.Errorf("packages = %q (%q), want failed with warning", got.Packages, got.PackageWarning)
	}
	if got.Version != recordVersion {
		t.Errorf("version = %d, want %d", got.Version, recordVersion)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
}

func TestCreateBasisAlreadyExists(t *testing.T) {
	s := testStore(t)

	if err := s.CreateBasis(testBasis("b1")); err != nil {
		t.Fatalf("create basis: %v", err)
	}
	err := s.CreateBasis(testBasis("b1"))
	if !errors.Is(err, common.ErrAlreadyExists) {
		t.Errorf("second create error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateBasisRace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	// Separate handles simulate separate processes
	stores := make([]*Store, 8)
	for i := range stores {
		s, err := Open(dir)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		stores[i] = s
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(stores))
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			errs <- s.CreateBasis(testBasis("contended"))
		}(s)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, common.ErrAlreadyExists):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d creators succeeded, want exactly 1", succeeded)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetBasis("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("get basis error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSystem("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("get system error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSystem("../state"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("get system with traversal error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSystem("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("delete system error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteBasis("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("delete basis error = %v, want ErrNotFound", err)
	}
}

func TestCreateSystemRequiresBasis(t *testing.T) {
	s := testStore(t)

	err := s.CreateSystem(testSystem("s1", "nope"))
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("create system error = %v, want ErrNotFound", err)
	}
}

func TestDeleteBasisReferenced(t *testing.T) {
	s := testStore(t)

	if err := s.CreateBasis(testBasis("b1")); err != nil {
		t.Fatalf("create basis: %v", err)
	}
	if err := s.CreateSystem(testSystem("s1", "b1")); err != nil {
		t.Fatalf("create system: %v", err)
	}

	if err := s.DeleteBasis("b1"); !errors.Is(err, common.ErrReferencedByActiveSystem) {
		t.Fatalf("delete basis error = %v, want ErrReferencedByActiveSystem", err)
	}

	if err := s.DeleteSystem("s1"); err != nil {
		t.Fatalf("delete system: %v", err)
	}
	if err := s.DeleteBasis("b1"); err != nil {
		t.Fatalf("delete basis after system removal: %v", err)
	}
}

// TestHelperBasisChurn is run as a child process by
// TestDeleteBasisAcrossProcesses. It deletes and recreates basis b1 until
// its stdin is closed.
func TestHelperBasisChurn(t *testing.T) {
	dir := os.Getenv("WINEBASIN_TEST_STATE_DIR")
	if dir == "" {
		t.Skip("helper process only")
	}
	s, err := Open(dir)
	if err != nil {
		os.Exit(2)
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, os.Stdin)
		close(done)
	}()

	os.Stdout.WriteString("ready\n")
	for {
		select {
		case <-done:
			os.Exit(0)
		default:
		}
		err := s.DeleteBasis("b1")
		if err != nil && !errors.Is(err, common.ErrReferencedByActiveSystem) && !errors.Is(err, common.ErrNotFound) {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
		err = s.CreateBasis(testBasis("b1"))
		if err != nil && !errors.Is(err, common.ErrAlreadyExists) {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
	}
}

func TestDeleteBasisAcrossProcesses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.CreateBasis(testBasis("b1")); err != nil {
		t.Fatalf("create basis: %v", err)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperBasisChurn$")
	cmd.Env = append(os.Environ(), "WINEBASIN_TEST_STATE_DIR="+dir)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	if line, err := bufio.NewReader(stdout).ReadString('\n'); err != nil || line != "ready\n" {
		cmd.Process.Kill()
		cmd.Wait()
		t.Fatalf("helper did not start: %q, %v", line, err)
	}

	created, orphaned := 0, 0
	for i := 0; i < 500; i++ {
		err := s.CreateSystem(testSystem("s1", "b1"))
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Errorf("create system: %v", err)
			break
		}
		created++
		if _, err := s.GetBasis("b1"); errors.Is(err, common.ErrNotFound) {
			orphaned++
		}
		if err := s.DeleteSystem("s1"); err != nil {
			t.Errorf("delete system: %v", err)
			break
		}
	}

	stdin.Close()
	if err := cmd.Wait(); err != nil {
		t.Errorf("helper failed: %v", err)
	}
	if orphaned != 0 {
		t.Errorf("%d of %d systems were bound to a deleted basis", orphaned, created)
	}
	t.Logf("created %d systems while the basis was churned", created)
}

func TestListSorted(t *testing.T) {
	s := testStore(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.CreateBasis(testBasis(name)); err != nil {
			t.Fatalf("create basis %s: %v", name, err)
		}
	}
	for _, name := range []string{"s2", "s1"} {
		if err := s.CreateSystem(testSystem(name, "alpha")); err != nil {
			t.Fatalf("create system %s: %v", name, err)
		}
	}

	// Leftover temp files from an interrupted write are ignored
	if err := os.WriteFile(filepath.Join(s.Dir(), "basis", ".tmp-ghost.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	bases, err := s.ListBases()
	if err != nil {
		t.Fatalf("list bases: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(bases) != len(want) {
		t.Fatalf("list bases len = %d, want %d", len(bases), len(want))
	}
	for i, b := range bases {
		if b.Name != want[i] {
			t.Errorf("bases[%d] = %q, want %q", i, b.Name, want[i])
		}
	}

	systems, err := s.ListSystems()
	if err != nil {
		t.Fatalf("list systems: %v", err)
	}
	if len(systems) != 2 || systems[0].Name != "s1" || systems[1].Name != "s2" {
		t.Errorf("list systems = %v, want [s1 s2]", systems)
	}
}

func TestUpdateSystemState(t *testing.T) {
	s := testStore(t)

	if err := s.CreateBasis(testBasis("b1")); err != nil {
		t.Fatalf("create basis: %v", err)
	}
	if err := s.CreateSystem(testSystem("s1", "b1")); err != nil {
		t.Fatalf("create system: %v", err)
	}

	for _, state := range []State{StateMountInProgress, StateMounted, StateUnmounted} {
		sys, err := s.UpdateSystemState("s1", state)
		if err != nil {
			t.Fatalf("update state %s: %v", state, err)
		}
		if sys.State != state {
			t.Errorf("returned state = %q, want %q", sys.State, state)
		}

		got, err := s.GetSystem("s1")
		if err != nil {
			t.Fatalf("get system: %v", err)
		}
		if got.State != state {
			t.Errorf("stored state = %q, want %q", got.State, state)
		}
	}

	if _, err := s.UpdateSystemState("missing", StateMounted); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestPutOverwritesAtomically(t *testing.T) {
	s := testStore(t)

	b := testBasis("b1")
	if err := s.CreateBasis(b); err != nil {
		t.Fatalf("create basis: %v", err)
	}
	b.Packages = PackagesInstalled
	if err := s.PutBasis(b); err != nil {
		t.Fatalf("put basis: %v", err)
	}

	got, err := s.GetBasis("b1")
	if err != nil {
		t.Fatalf("get basis: %v", err)
	}
	if got.Packages != PackagesInstalled {
		t.Errorf("packages = %q, want installed", got.Packages)
	}

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "basis"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("basis dir has %d entries, want only the record", len(entries))
	}
}

func TestParseArch(t *testing.T) {
	tests := []struct {
		in     string
		want   Arch
		wantOK bool
	}{
		{"", ArchWin64, true},
		{"win64", ArchWin64, true},
		{"win32", ArchWin32, true},
		{"arm64", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseArch(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseArch(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
