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

package noop

import (
	"github.com/outpost-run/outpost/pkg/controllers/termination/messages"
)

// Message is a message that the termination controller receives but doesn't
// act on.
type Message struct {
	messages.Metadata
}

func (Message) RuntimeHandles() []string {
	return []string{}
}

func (Message) Kind() messages.Kind {
	return messages.NoOpKind
}
