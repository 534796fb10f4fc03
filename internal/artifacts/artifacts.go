// Package artifacts loads compiled contract metadata from a Foundry build
// output directory.
//
// An artifact for contract Name is expected at <root>/out/Name.sol/Name.json
// and must carry at least the ABI and creation bytecode. Artifacts are
// immutable once loaded; there is no live recompilation.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrArtifactNotFound is returned when the compiled output for a contract is
// missing from the build directory.
var ErrArtifactNotFound = errors.New("artifacts: artifact not found")

// Artifact is a compiled contract: parsed ABI plus creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	RawABI   json.RawMessage
	Bytecode []byte
}

// rawArtifact mirrors the on-disk Foundry JSON shape.
type rawArtifact struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode bytecode        `json:"bytecode"`
}

// bytecode accepts both Foundry's {"object": "0x..."} form and a plain
// "0x..." string used by older toolchains.
type bytecode struct {
	hex string
}

func (b *bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}
	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}
	return fmt.Errorf("bytecode must be a string or an object with an 'object' field")
}

// Loader reads artifacts from a Foundry project root and caches them for the
// process lifetime.
type Loader struct {
	root  string
	cache map[string]*Artifact
}

// NewLoader creates a loader rooted at the given Foundry project directory.
func NewLoader(root string) *Loader {
	return &Loader{
		root:  root,
		cache: make(map[string]*Artifact),
	}
}

// Root returns the project root the loader reads from.
func (l *Loader) Root() string {
	return l.root
}

// Path returns the expected on-disk location for a contract's artifact.
func (l *Loader) Path(name string) string {
	return filepath.Join(l.root, "out", name+".sol", name+".json")
}

// Load reads, parses and caches the artifact for the named contract.
func (l *Loader) Load(name string) (*Artifact, error) {
	if a, ok := l.cache[name]; ok {
		return a, nil
	}

	path := l.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s at %s (run 'forge build' in %s first)",
				ErrArtifactNotFound, name, path, l.root)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}

	var raw rawArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if len(raw.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s has no abi field", path)
	}

	parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ABI of %s: %w", name, err)
	}

	code, err := hexutil.Decode(raw.Bytecode.hex)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode of %s: %w", name, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("artifact %s has empty bytecode (is it an interface or abstract contract?)", name)
	}

	a := &Artifact{
		Name:     name,
		ABI:      parsed,
		RawABI:   raw.ABI,
		Bytecode: code,
	}
	l.cache[name] = a
	return a, nil
}
