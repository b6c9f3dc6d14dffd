package job

import (
	"strings"

	"github.com/csync/propagator/internal/item"
)

type stackEntry struct {
	prefix string // directory destination path with trailing "/"; "" for root
	dir    *DirectoryJob
}

// BuildTree implements spec.md §4.2: a single pass over the sorted item
// list, maintaining a stack of open ancestor DirectoryJobs, that turns a
// flat plan into an executable job tree. It returns the root job and
// whether a directory TypeChange-Up neutralisation fired, which means
// the caller should request another sync once this one finishes.
func BuildTree(items []*item.SyncItem, env *Env) (*DirectoryJob, bool) {
	root := newDirectoryJob(nil, nil, env)
	stack := []stackEntry{{prefix: "", dir: root}}

	var directoriesToRemove []Job
	removedPrefix := ""
	anotherSyncNeeded := false

	for i := 0; i < len(items); i++ {
		it := items[i]
		dest := it.DestinationPath()

		// (a) tests the item's *current* path (where it lives before the
		// operation runs) against the tracked removed-directory prefix; a
		// rename out of a deleted directory must still run before the
		// delete, so it is let through even though it originates there.
		if removedPrefix != "" && strings.HasPrefix(it.Path, removedPrefix) {
			switch {
			case it.Instruction == item.InstructionRemove:
				continue // parent delete subsumes it
			case it.Instruction == item.InstructionNew && it.IsDirectory:
				continue // stale plan artefact under a directory we're deleting
			case it.Instruction == item.InstructionIgnore:
				continue
			case it.Instruction == item.InstructionRename:
				// must run before the parent delete; fall through to normal handling.
			default:
				continue
			}
		}

		for len(stack) > 1 && !strings.HasPrefix(dest, stack[len(stack)-1].prefix) {
			stack = stack[:len(stack)-1]
		}
		top := stack[len(stack)-1].dir

		if it.IsDirectory {
			if it.Instruction == item.InstructionTypeChange && it.Direction == item.DirectionUp {
				prefix := dest + "/"
				for j := i + 1; j < len(items); j++ {
					if strings.HasPrefix(items[j].DestinationPath(), prefix) {
						items[j].Instruction = item.InstructionNone
					}
				}
				anotherSyncNeeded = true
			}

			if it.Instruction == item.InstructionRemove {
				firstJob, err := createJob(it, env)
				var dj *DirectoryJob
				if err != nil {
					dj = newDirectoryJob(it, nil, env)
					dj.status = item.StatusFatalError
					dj.state = Finished
				} else {
					dj = newDirectoryJob(it, firstJob, env)
				}
				directoriesToRemove = append([]Job{dj}, directoriesToRemove...)
				removedPrefix = dest + "/"
				demoteAncestorMetadataUpdates(stack)
				// Removed directories do not get pushed: nothing can be a
				// legitimate child of a directory this sync is deleting.
				continue
			}

			var firstJob Job
			if it.Instruction != item.InstructionNone {
				fj, err := createJob(it, env)
				if err == nil {
					firstJob = fj
				}
			}
			dj := newDirectoryJob(it, firstJob, env)
			top.Inner().AddJob(dj)
			stack = append(stack, stackEntry{prefix: dest + "/", dir: dj})
			continue
		}

		if it.Instruction == item.InstructionTypeChange {
			// A file TypeChange is deferred as a terminal delete, the same
			// as a directory remove (spec.md §4.2 step 3.d; the original
			// prepends it onto the very same directoriesToRemove list at
			// owncloudpropagator.cpp:391), not scheduled through the
			// current directory's own jobsToDo.
			if leaf, err := createJob(it, env); err == nil {
				directoriesToRemove = append([]Job{leaf}, directoriesToRemove...)
			}
			removedPrefix = dest + "/"
			continue
		}

		if it.Instruction == item.InstructionNone {
			continue
		}
		top.Inner().AddTask(it)
	}

	for _, dj := range directoriesToRemove {
		root.Inner().AddDeferredJob(dj)
	}

	return root, anotherSyncNeeded
}

// demoteAncestorMetadataUpdates implements "demote any UpdateMetadata on
// ancestor directories already on the stack to None" so a delete below
// doesn't cause an ancestor's etag to be bumped across the deletion.
func demoteAncestorMetadataUpdates(stack []stackEntry) {
	for _, entry := range stack {
		if entry.dir.it != nil && entry.dir.it.Instruction == item.InstructionUpdateMetadata {
			entry.dir.it.Instruction = item.InstructionNone
		}
	}
}
