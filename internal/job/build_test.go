package job

import (
	"context"
	"strings"
	"testing"

	"github.com/csync/propagator/internal/item"
)

// TestDirectoryRenameBeforeDelete is spec.md §8 scenario 1: a directory
// being removed has a child renamed out of it; the rename must finish
// before the directory's own delete starts, and the journal ends up
// with no row for the old paths and a row for the rename target.
func TestDirectoryRenameBeforeDelete(t *testing.T) {
	env, fe := newTestEnv()
	fe.records["A"] = item.FileRecord{Path: "A", Type: item.EntryTypeDir}
	fe.records["A/x"] = item.FileRecord{Path: "A/x", Type: item.EntryTypeFile}

	items := []*item.SyncItem{
		{Path: "A", IsDirectory: true, Instruction: item.InstructionRemove, Direction: item.DirectionUp},
		{Path: "A/x", OriginalPath: "A/x", RenameTarget: "B/x", Instruction: item.InstructionRename, Direction: item.DirectionUp},
	}

	root, _ := BuildTree(items, env)
	if err := drain(context.Background(), root, env); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ops := fe.ops()
	moveIdx, deleteIdx := -1, -1
	for i, op := range ops {
		if strings.HasPrefix(op, "Move:") {
			moveIdx = i
		}
		if op == "Delete:A" {
			deleteIdx = i
		}
	}
	if moveIdx == -1 || deleteIdx == -1 {
		t.Fatalf("expected both a Move and a Delete:A op, got %v", ops)
	}
	if moveIdx > deleteIdx {
		t.Fatalf("rename must finish before the directory delete starts, got order %v", ops)
	}

	if _, ok, _ := fe.GetFileRecord("A"); ok {
		t.Fatalf("expected no journal row for A after its delete")
	}
	if _, ok, _ := fe.GetFileRecord("A/x"); ok {
		t.Fatalf("expected no journal row for the old A/x path")
	}
}

// TestDeferredDeleteWaitsForSiblingTasks checks the same invariant in
// isolation from directory-ordering: a delete deferred at the root must
// not start while unrelated sibling tasks in the same composite are
// still running.
func TestDeferredDeleteWaitsForSiblingTasks(t *testing.T) {
	env, fe := newTestEnv()

	items := []*item.SyncItem{
		{Path: "A", IsDirectory: true, Instruction: item.InstructionRemove, Direction: item.DirectionUp},
		{Path: "A/x", OriginalPath: "A/x", RenameTarget: "B/x", Instruction: item.InstructionRename, Direction: item.DirectionUp},
		{Path: "other.txt", Instruction: item.InstructionNew, Direction: item.DirectionUp, Size: 10},
	}

	root, _ := BuildTree(items, env)
	if err := drain(context.Background(), root, env); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ops := fe.ops()
	deleteIdx, uploadIdx := -1, -1
	for i, op := range ops {
		if op == "Delete:A" {
			deleteIdx = i
		}
		if op == "PutV1:other.txt" {
			uploadIdx = i
		}
	}
	if deleteIdx == -1 || uploadIdx == -1 {
		t.Fatalf("expected both ops, got %v", ops)
	}
	if uploadIdx > deleteIdx {
		t.Fatalf("unrelated sibling upload must finish before deferred delete starts, got %v", ops)
	}
}

func TestDirectoryOrderingFirstJobBeforeChildren(t *testing.T) {
	env, fe := newTestEnv()

	items := []*item.SyncItem{
		{Path: "D", IsDirectory: true, Instruction: item.InstructionNew, Direction: item.DirectionUp},
		{Path: "D/file.txt", Instruction: item.InstructionNew, Direction: item.DirectionUp, Size: 5},
	}

	root, _ := BuildTree(items, env)
	if err := drain(context.Background(), root, env); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ops := fe.ops()
	mkcolIdx, putIdx := -1, -1
	for i, op := range ops {
		if op == "Mkcol:D" {
			mkcolIdx = i
		}
		if op == "PutV1:D/file.txt" {
			putIdx = i
		}
	}
	if mkcolIdx == -1 || putIdx == -1 {
		t.Fatalf("expected both ops, got %v", ops)
	}
	if mkcolIdx > putIdx {
		t.Fatalf("directory firstJob must finish before its children start, got %v", ops)
	}

	if rec, ok, _ := fe.GetFileRecord("D"); !ok || rec.Etag == "" {
		t.Fatalf("expected directory metadata to be written after children succeed, got %+v ok=%v", rec, ok)
	}
}

// TestFileTypeChangeDeferredAsTerminalDelete is spec.md §4.2 step 3.d: a
// file TypeChange (a directory sitting where a file now belongs, or vice
// versa) must run as a deferred terminal delete alongside directory
// removes, not through the current directory's own jobsToDo. It must
// therefore wait for unrelated sibling tasks to finish, and its own
// deleteExisting cleanup must precede the write that replaces it.
func TestFileTypeChangeDeferredAsTerminalDelete(t *testing.T) {
	env, fe := newTestEnv()

	items := []*item.SyncItem{
		{Path: "sibling.txt", Instruction: item.InstructionNew, Direction: item.DirectionUp, Size: 5},
		{Path: "a.txt", Instruction: item.InstructionTypeChange, Direction: item.DirectionUp, Size: 5},
	}

	root, _ := BuildTree(items, env)
	if err := drain(context.Background(), root, env); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ops := fe.ops()
	siblingIdx, deleteIdx, uploadIdx := -1, -1, -1
	for i, op := range ops {
		switch op {
		case "PutV1:sibling.txt":
			siblingIdx = i
		case "Delete:a.txt":
			deleteIdx = i
		case "PutV1:a.txt":
			uploadIdx = i
		}
	}
	if siblingIdx == -1 || deleteIdx == -1 || uploadIdx == -1 {
		t.Fatalf("expected all three ops, got %v", ops)
	}
	if siblingIdx > deleteIdx {
		t.Fatalf("unrelated sibling upload must finish before the deferred TypeChange starts, got %v", ops)
	}
	if deleteIdx > uploadIdx {
		t.Fatalf("stale remote entity must be deleted before the new content is written, got %v", ops)
	}
}

func TestUploadPathSelection(t *testing.T) {
	cases := []struct {
		name        string
		chunkSize   int64
		chunkingNG  bool
		size        int64
		wantUpload  LeafKind
	}{
		{"large+ng", 10 << 20, true, 25 << 20, LeafUploadFileNG},
		{"large+no-ng", 10 << 20, false, 25 << 20, LeafUploadFileV1},
		{"small+ng", 10 << 20, true, 1 << 20, LeafUploadFileV1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, _ := newTestEnv()
			env.ChunkSize = tc.chunkSize
			env.ServerChunkingNG = tc.chunkingNG
			it := &item.SyncItem{Path: "f", Instruction: item.InstructionNew, Direction: item.DirectionUp, Size: tc.size}

			j, err := createJob(it, env)
			if err != nil {
				t.Fatalf("createJob: %v", err)
			}
			leaf, ok := j.(*LeafJob)
			if !ok {
				t.Fatalf("expected a leaf job")
			}
			if leaf.Kind() != tc.wantUpload {
				t.Fatalf("got %v, want %v", leaf.Kind(), tc.wantUpload)
			}
		})
	}
}
