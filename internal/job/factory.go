package job

import (
	"fmt"

	"github.com/csync/propagator/internal/item"
)

// createJob is the leaf dispatch table from spec.md §4.3: given one
// SyncItem's (Instruction, Direction, IsDirectory), decide which LeafKind
// performs it. It is called both for file tasks popped off a
// CompositeJob's tasksToDo, and by the tree builder to construct a
// DirectoryJob's own firstJob (mkdir/rename/delete of the directory
// itself).
func createJob(it *item.SyncItem, env *Env) (Job, error) {
	switch it.Instruction {
	case item.InstructionIgnore, item.InstructionError:
		return newLeaf(newJobID(), LeafIgnore, it, false, env), nil

	case item.InstructionRemove:
		if it.Direction == item.DirectionUp {
			return newLeaf(newJobID(), LeafRemoteDelete, it, false, env), nil
		}
		return newLeaf(newJobID(), LeafLocalRemove, it, false, env), nil

	case item.InstructionRename:
		if it.Direction == item.DirectionUp {
			return newLeaf(newJobID(), LeafRemoteMove, it, false, env), nil
		}
		return newLeaf(newJobID(), LeafLocalRename, it, false, env), nil

	case item.InstructionNew, item.InstructionTypeChange:
		deleteExisting := it.Instruction == item.InstructionTypeChange
		if it.IsDirectory {
			if it.Direction == item.DirectionUp {
				return newLeaf(newJobID(), LeafRemoteMkdir, it, deleteExisting, env), nil
			}
			return newLeaf(newJobID(), LeafLocalMkdir, it, deleteExisting, env), nil
		}
		if it.Direction == item.DirectionUp {
			if it.Size > env.ChunkSize && env.ServerChunkingNG {
				return newLeaf(newJobID(), LeafUploadFileNG, it, deleteExisting, env), nil
			}
			return newLeaf(newJobID(), LeafUploadFileV1, it, deleteExisting, env), nil
		}
		return newLeaf(newJobID(), LeafDownloadFile, it, deleteExisting, env), nil

	case item.InstructionSync, item.InstructionConflict, item.InstructionUpdateMetadata:
		if it.Direction == item.DirectionUp {
			if it.Size > env.ChunkSize && env.ServerChunkingNG {
				return newLeaf(newJobID(), LeafUploadFileNG, it, false, env), nil
			}
			return newLeaf(newJobID(), LeafUploadFileV1, it, false, env), nil
		}
		return newLeaf(newJobID(), LeafDownloadFile, it, false, env), nil

	default:
		return nil, fmt.Errorf("createJob: unhandled instruction %v for %q", it.Instruction, it.Path)
	}
}
