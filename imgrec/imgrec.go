// Package imgrec contains an image recorder used to save sweep datasets to disk.
package imgrec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Recorder hands out incrementing filenames in yyyy-mm-dd subfolders of Root.
// It is concurrent safe.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// root is the root path
	root string

	// prefix is the prefix for the filenames
	prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// enabled allows consumers to disable saving without discarding the recorder
	enabled bool

	// last is the stem of the most recently reserved recording
	last string

	// now is the clock, swapped in tests
	now func() time.Time
}

// NewRecorder returns a new enabled recorder
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{root: root, prefix: prefix, enabled: true, now: time.Now}
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := r.now()
	y, m, d := now.Year(), now.Month(), now.Day()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// incr updates the filename counter; it scans the folder to do so.  If there
// is an error, the counter is not changed
func (r *Recorder) incr(dn string) {
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasPrefix(fn, r.prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.prefix)
		end := strings.IndexFunc(bit, func(c rune) bool { return !unicode.IsDigit(c) })
		if end > 0 {
			bit = bit[:end]
		}
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// Reserve makes today's folder if needed and returns the path, without
// extension, of the next recording.  name is appended to the numbered stem
// if it is not empty.
func (r *Recorder) Reserve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	r.incr(fldr)
	fn := fmt.Sprintf("%s%06d", r.prefix, r.counter)
	if name != "" {
		fn += "_" + name
	}
	r.last = filepath.Join(fldr, fn)
	return r.last, nil
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder, creating it if needed
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	r.updateFolder()
	_, err := r.mkDir()
	return err
}

// Prefix returns the filename prefix
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the filename prefix and resets the counter
func (r *Recorder) SetPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = prefix
	r.counter = 0
}

// Enabled returns true if recordings should be saved
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled enables or disables saving
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = b
}

// Last returns the path stem of the most recent recording, or "" if there is none
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
