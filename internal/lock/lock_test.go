package lock

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zoro11031/winebasin/internal/common"
)

func TestAcquireRelease(t *testing.T) {
	l := NewLocker(filepath.Join(t.TempDir(), "locks"))

	s, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if s.Session == "" || s.PID != os.Getpid() {
		t.Errorf("session record = %+v, want session id and own pid", s.Record)
	}

	holder, err := l.Holder("s1")
	if err != nil {
		t.Fatalf("Holder() failed: %v", err)
	}
	if holder == nil || holder.Session != s.Session {
		t.Errorf("Holder() = %+v, want session %s", holder, s.Session)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	// Second release is a no-op
	if err := s.Release(); err != nil {
		t.Fatalf("second Release() failed: %v", err)
	}

	holder, err = l.Holder("s1")
	if err != nil {
		t.Fatalf("Holder() after release failed: %v", err)
	}
	if holder != nil {
		t.Errorf("Holder() after release = %+v, want nil", holder)
	}

	again, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("re-Acquire() failed: %v", err)
	}
	again.Release()
}

func TestAcquireBusy(t *testing.T) {
	l := NewLocker(t.TempDir())

	s, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer s.Release()

	_, err = l.Acquire("s1")
	if !errors.Is(err, common.ErrSystemBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrSystemBusy", err)
	}

	// Other systems are independent
	other, err := l.Acquire("s2")
	if err != nil {
		t.Fatalf("Acquire(s2) failed: %v", err)
	}
	other.Release()
}

func TestAcquireConcurrent(t *testing.T) {
	l := NewLocker(t.TempDir())

	const contenders = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []*Session
		busy     int
		unexpect []error
		start    = make(chan struct{})
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := l.Acquire("contended")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, s)
			case errors.Is(err, common.ErrSystemBusy):
				busy++
			default:
				unexpect = append(unexpect, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range unexpect {
		t.Errorf("unexpected error: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("%d sessions acquired the lock, want exactly 1", len(winners))
	}
	if busy != contenders-1 {
		t.Errorf("%d contenders got ErrSystemBusy, want %d", busy, contenders-1)
	}
	winners[0].Release()
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	l := NewLocker(dir)

	s, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := l.Remove("s1"); !errors.Is(err, common.ErrSystemBusy) {
		t.Errorf("Remove() while held error = %v, want ErrSystemBusy", err)
	}
	s.Release()

	if err := l.Remove("s1"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.lock")); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Remove(): %v", err)
	}
}

func TestAcquireInvalidName(t *testing.T) {
	l := NewLocker(t.TempDir())
	if _, err := l.Acquire("../escape"); err == nil {
		t.Error("Acquire() error = nil, want error for invalid name")
	}
}

// TestHelperHolderLoop is run as a child process by
// TestHolderDoesNotBlockAcquire. It queries the holder of s1 until killed.
func TestHelperHolderLoop(t *testing.T) {
	dir := os.Getenv("WINEBASIN_TEST_LOCK_DIR")
	if dir == "" {
		t.Skip("helper process only")
	}
	l := NewLocker(dir)
	os.Stdout.WriteString("ready\n")
	for {
		if _, err := l.Holder("s1"); err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
	}
}

func TestHolderDoesNotBlockAcquire(t *testing.T) {
	dir := t.TempDir()
	l := NewLocker(dir)

	// Create the lock file before the child starts querying it
	s, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	s.Release()

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperHolderLoop$")
	cmd.Env = append(os.Environ(), "WINEBASIN_TEST_LOCK_DIR="+dir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	if line, err := bufio.NewReader(stdout).ReadString('\n'); err != nil || line != "ready\n" {
		t.Fatalf("helper did not start: %q, %v", line, err)
	}

	const rounds = 2000
	busy := 0
	for i := 0; i < rounds; i++ {
		s, err := l.Acquire("s1")
		if errors.Is(err, common.ErrSystemBusy) {
			busy++
			continue
		}
		if err != nil {
			t.Fatalf("Acquire() round %d failed: %v", i, err)
		}
		if err := s.Release(); err != nil {
			t.Fatalf("Release() round %d failed: %v", i, err)
		}
	}
	if busy != 0 {
		t.Errorf("%d of %d acquisitions reported busy while only Holder() ran elsewhere", busy, rounds)
	}
}

func TestHolderSeesOtherOpenInSameProcess(t *testing.T) {
	l := NewLocker(t.TempDir())

	if holder, err := l.Holder("missing"); err != nil || holder != nil {
		t.Errorf("Holder() of unknown system = %+v, %v; want nil, nil", holder, err)
	}

	s, err := l.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer s.Release()

	for i := 0; i < 3; i++ {
		holder, err := l.Holder("s1")
		if err != nil {
			t.Fatalf("Holder() failed: %v", err)
		}
		if holder == nil || holder.PID != os.Getpid() {
			t.Fatalf("Holder() = %+v, want this process", holder)
		}
	}
	// Querying must leave the session lock in place
	if _, err := l.Acquire("s1"); !errors.Is(err, common.ErrSystemBusy) {
		t.Errorf("Acquire() after Holder() error = %v, want ErrSystemBusy", err)
	}
}
