package proposal

import (
	"path"
	"strings"
)

// hubFiles are shared project-root files whose presence in two proposals'
// file sets always counts as a conflict, even outside strict mode (spec.md
// §4.9 wave partitioning).
var hubFiles = map[string]bool{
	"index.js":      true,
	"index.ts":      true,
	"package.json":  true,
	"cargo.toml":    true,
	"go.mod":        true,
	"__init__.py":   true,
}

var sharedDirNames = map[string]bool{
	"shared": true,
	"common": true,
	"utils":  true,
	"types":  true,
	"config": true,
}

func isHub(file string) bool {
	return hubFiles[strings.ToLower(path.Base(file))]
}

func sharedDir(dir string) bool {
	return sharedDirNames[strings.ToLower(path.Base(dir))]
}

// conflicts reports whether two proposals' file sets conflict, per spec.md
// §4.9's three heuristics: (i) a shared direct file path, (ii) siblingship
// in a directory the heuristics treat as shared (shared/common/utils/
// types/config, or a hub file like go.mod), (iii) in strict mode, any
// shared directory at all.
func conflicts(a, b Proposal, strict bool) bool {
	bFiles := make(map[string]struct{}, len(b.Files))
	bDirs := make(map[string]struct{}, len(b.Files))
	for _, f := range b.Files {
		bFiles[f] = struct{}{}
		bDirs[path.Dir(f)] = struct{}{}
	}

	for _, f := range a.Files {
		if _, ok := bFiles[f]; ok {
			return true
		}
		if isHub(f) {
			for bf := range bFiles {
				if isHub(bf) {
					return true
				}
			}
		}
		dir := path.Dir(f)
		if _, sameDir := bDirs[dir]; sameDir {
			if strict || sharedDir(dir) {
				return true
			}
		}
	}
	return false
}

// Wave is a maximal set of proposals with no pairwise file/directory
// conflicts. Waves are scheduled sequentially relative to each other;
// proposals within a wave run in parallel (spec.md GLOSSARY "Wave", §8
// invariant 7).
type Wave struct {
	Proposals []Proposal
}

// PartitionWaves splits proposals into waves such that no two proposals in
// the same wave conflict: a wave is a maximal conflict-free set, waves run
// sequentially, proposals within one wave run in parallel. Greedy
// first-fit over the conflict graph: each proposal joins the earliest wave
// it conflicts with nothing in, or opens a new one. strict widens
// heuristic (iii) to any shared directory.
func PartitionWaves(proposals []Proposal, strict bool) []Wave {
	var waves []Wave
	for _, p := range proposals {
		placed := false
		for i := range waves {
			fits := true
			for _, existing := range waves[i].Proposals {
				if conflicts(p, existing, strict) {
					fits = false
					break
				}
			}
			if fits {
				waves[i].Proposals = append(waves[i].Proposals, p)
				placed = true
				break
			}
		}
		if !placed {
			waves = append(waves, Wave{Proposals: []Proposal{p}})
		}
	}
	return waves
}
