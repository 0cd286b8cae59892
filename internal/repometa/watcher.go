package repometa

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/companion-dev/companion/internal/logging"
)

// Watcher watches a working directory's git dir for branch changes by
// monitoring HEAD. On a change it invalidates the resolver's cache and
// invokes the callback with the fresh branch name.
type Watcher struct {
	watcher       *fsnotify.Watcher
	resolver      *GitResolver
	workDir       string
	currentBranch string
	onChange      func(branch string)

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a watcher for workDir. Returns nil (and no error) when
// the directory is not a git repository.
func NewWatcher(resolver *GitResolver, workDir string, onChange func(branch string)) (*Watcher, error) {
	ctx := context.Background()
	gitDir := git(ctx, workDir, "rev-parse", "--git-dir")
	if gitDir == "" {
		logging.Debug().Str("workDir", workDir).Msg("not a git repository, branch watcher disabled")
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the git directory itself; watching HEAD directly is unreliable
	// on some systems.
	if err := w.Add(absFrom(workDir, gitDir)); err != nil {
		w.Close()
		return nil, err
	}

	branch := git(ctx, workDir, "rev-parse", "--abbrev-ref", "HEAD")
	logging.Info().Str("branch", branch).Str("workDir", workDir).Msg("branch watcher initialized")

	return &Watcher{
		watcher:       w,
		resolver:      resolver,
		workDir:       workDir,
		currentBranch: branch,
		onChange:      onChange,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && strings.HasSuffix(ev.Name, "HEAD") {
				w.checkBranchChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("branch watcher error")
		}
	}
}

func (w *Watcher) checkBranchChange() {
	newBranch := git(context.Background(), w.workDir, "rev-parse", "--abbrev-ref", "HEAD")

	w.mu.Lock()
	changed := newBranch != "" && newBranch != w.currentBranch
	if changed {
		w.currentBranch = newBranch
	}
	w.mu.Unlock()

	if !changed {
		return
	}

	if w.resolver != nil {
		w.resolver.Invalidate(w.workDir)
	}
	logging.Info().Str("branch", newBranch).Str("workDir", w.workDir).Msg("branch changed")
	if w.onChange != nil {
		w.onChange(newBranch)
	}
}

// CurrentBranch returns the branch last observed.
func (w *Watcher) CurrentBranch() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentBranch
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
