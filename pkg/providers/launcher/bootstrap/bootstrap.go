/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bootstrap defines the assignment document a worker reads to learn
// what to run. Cold workers receive it base64-encoded in the OUTPOST_BOOTSTRAP
// environment variable; warm workers poll it from the blob store under a key
// derived from their own task id.
package bootstrap

import (
	"encoding/base64"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// EnvKey carries the encoded document into a cold-launched worker.
const EnvKey = "OUTPOST_BOOTSTRAP"

// Workspace tells the worker how to materialize its working directory.
type Workspace struct {
	Kind      string `toml:"kind"`
	CloneMode string `toml:"clone_mode,omitempty"`
	Volume    string `toml:"volume,omitempty"`
	Repo      string `toml:"repo,omitempty"`
	Branch    string `toml:"branch,omitempty"`
}

// Document is one worker assignment. Secret values never ride it: cold
// workers get values through their container environment, warm workers get
// handles under SecretHandles and resolve them in place.
type Document struct {
	DispatchID     string    `toml:"dispatch_id"`
	TenantID       string    `toml:"tenant_id"`
	Agent          string    `toml:"agent"`
	ModelID        string    `toml:"model_id"`
	Task           string    `toml:"task"`
	TimeoutSeconds int       `toml:"timeout_seconds"`
	ContextLevel   string    `toml:"context_level"`
	Workspace      Workspace `toml:"workspace"`
	ArtifactPrefix string    `toml:"artifact_prefix"`
	LogGroup       string    `toml:"log_group"`
	// SecretHandles maps secret handles to env aliases for warm assignments.
	SecretHandles map[string]string `toml:"secret_handles,omitempty"`
}

func (d *Document) Encode() ([]byte, error) {
	raw, err := toml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding the bootstrap document, %w", err)
	}
	return raw, nil
}

// EncodeEnv renders the document for environment delivery.
func (d *Document) EncodeEnv() (string, error) {
	raw, err := d.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func Decode(raw []byte) (*Document, error) {
	doc := &Document{}
	if err := toml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decoding the bootstrap document, %w", err)
	}
	return doc, nil
}

// DecodeEnv reverses EncodeEnv.
func DecodeEnv(encoded string) (*Document, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding the bootstrap document, %w", err)
	}
	return Decode(raw)
}
