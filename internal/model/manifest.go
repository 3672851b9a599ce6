// Package model pins the checkpoints the runtime loads, downloads them with
// checksum verification and checks that they build before a session starts.
package model

import (
	"fmt"
	"slices"
)

type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	// SHA256 may be empty; the checksum is then resolved from the hub
	// metadata once and persisted into the local lock manifest.
	SHA256 string `json:"sha256"`
}

const (
	RepoMoshiko = "kyutai/moshiko-pytorch-bf16"
	RepoVocab   = "lmz/moshi-swift"
)

// Well-known file names inside the pinned repos.
const (
	FileLM      = "model.safetensors"
	FileMimi    = "tokenizer-e351c8d8-checkpoint125.safetensors"
	FileVocab32 = "tokenizer_spm_32k_3.json"
	FileVocab48 = "tokenizer_spm_48k_multi6_2.json"
)

func PinnedManifest(repo string) (Manifest, error) {
	switch repo {
	case RepoMoshiko:
		return Manifest{
			Repo: repo,
			Files: []ModelFile{
				{Filename: FileLM, Revision: "main"},
				{Filename: FileMimi, Revision: "main"},
			},
		}, nil
	case RepoVocab:
		return Manifest{
			Repo: repo,
			Files: []ModelFile{
				{Filename: FileVocab32, Revision: "main"},
				{Filename: FileVocab48, Revision: "main"},
			},
		}, nil
	default:
		return Manifest{}, fmt.Errorf("no pinned manifest for repo %q", repo)
	}
}

// KnownRepos lists the repos PinnedManifest accepts.
func KnownRepos() []string {
	repos := []string{RepoMoshiko, RepoVocab}
	slices.Sort(repos)

	return repos
}
