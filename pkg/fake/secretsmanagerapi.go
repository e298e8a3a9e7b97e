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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	sdk "github.com/outpost-run/outpost/pkg/aws"
)

// SecretsManagerBehavior must be reset between tests otherwise tests will
// pollute each other.
type SecretsManagerBehavior struct {
	GetSecretValueBehavior MockedFunction[secretsmanager.GetSecretValueInput, secretsmanager.GetSecretValueOutput]

	// Secrets seeds handle -> value; unseeded handles resolve to a
	// deterministic value so redaction tests can grep for it.
	Secrets sync.Map
}

type SecretsManagerAPI struct {
	sdk.SecretsManagerAPI
	SecretsManagerBehavior
}

func NewSecretsManagerAPI() *SecretsManagerAPI {
	return &SecretsManagerAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SecretsManagerAPI) Reset() {
	s.GetSecretValueBehavior.Reset()
	s.Secrets.Range(func(k, v any) bool {
		s.Secrets.Delete(k)
		return true
	})
}

// SeedSecret stores a value for a handle.
func (s *SecretsManagerAPI) SeedSecret(handle, value string) {
	s.Secrets.Store(handle, value)
}

// ValueFor returns the value the fake resolves for an unseeded handle.
func ValueFor(handle string) string {
	return fmt.Sprintf("resolved-%s-value", handle)
}

func (s *SecretsManagerAPI) GetSecretValue(_ context.Context, input *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return s.GetSecretValueBehavior.Invoke(input, func(input *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
		handle := aws.ToString(input.SecretId)
		value := ValueFor(handle)
		if seeded, ok := s.Secrets.Load(handle); ok {
			value = seeded.(string)
		}
		return &secretsmanager.GetSecretValueOutput{
			Name:         aws.String(handle),
			SecretString: aws.String(value),
		}, nil
	})
}

// NotFoundSecret is the error Secrets Manager returns for unknown handles.
func NotFoundSecret() error {
	return &smtypes.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}
