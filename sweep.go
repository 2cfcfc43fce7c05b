package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/KamonLeigh/BeeRich/models"
)

// The attachment store and the record table are deliberately not updated in
// one transaction, so a crash between the two (or a replaced attachment on
// update) can strand a blob no record references. The sweep subcommand reaps
// those: a one-shot scan by default, a persistent fsnotify watch with -watch.

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	watch := fs.Bool("watch", false, "keep watching the attachments directory for new files")
	grace := fs.Duration("grace", 10*time.Minute, "minimum file age before an unreferenced blob is deleted")
	workers := fs.Int("workers", 4, "concurrent reference checks")
	_ = fs.Parse(args)

	dir := attachmentsDir()
	sweepOnce(dir, *grace, *workers)
	if *watch {
		if err := watchAttachments(dir, *grace, *workers); err != nil {
			log.Fatalf("sweep watch failed: %v", err)
		}
	}
}

func sweepOnce(dir string, grace time.Duration, workers int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("sweep: read %s: %v", dir, err)
		return
	}
	fileCh := make(chan string, len(entries))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range fileCh {
				sweepFile(dir, name, grace)
			}
		}()
	}
	scanned := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fileCh <- e.Name()
		scanned++
	}
	close(fileCh)
	wg.Wait()
	log.Printf("sweep: scanned %d files in %s", scanned, dir)
}

// sweepFile deletes the blob if it is older than the grace period and no
// record of any kind references it. The grace period keeps the sweeper from
// racing an in-flight upload whose record row isn't committed yet.
func sweepFile(dir, name string, grace time.Duration) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return // already gone
	}
	if time.Since(info.ModTime()) < grace {
		return
	}
	var count int64
	if err := db.Model(&models.Record{}).Where("attachment = ?", name).Count(&count).Error; err != nil {
		log.Printf("sweep: reference check for %s: %v", name, err)
		return
	}
	if count > 0 {
		return
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		log.Printf("sweep: remove %s: %v", name, err)
		return
	}
	log.Printf("sweep: removed orphaned attachment %s", name)
}

// watchAttachments follows the directory and re-checks files once they have
// aged past the grace period. Events are debounced so a file still being
// written settles before it is considered.
func watchAttachments(dir string, grace time.Duration, workers int) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Printf("sweep: watching %s ...", dir)

	fileCh := make(chan string, 256)
	go func() {
		// pending files waiting out the grace period
		pending := map[string]time.Time{}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					close(fileCh)
					return
				}
				if ev.Op&fsnotify.Create == fsnotify.Create {
					pending[filepath.Base(ev.Name)] = time.Now()
				}
			case <-ticker.C:
				now := time.Now()
				for name, t := range pending {
					if now.Sub(t) > grace {
						fileCh <- name
						delete(pending, name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					close(fileCh)
					return
				}
				log.Printf("sweep: watch error: %v", err)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range fileCh {
				sweepFile(dir, name, grace)
			}
		}()
	}
	wg.Wait()
	return nil
}
