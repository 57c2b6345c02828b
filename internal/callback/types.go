// Package callback implements the CallbackDispatcher (§4.9): the single
// endpoint containers call back into as they progress through the
// handshake/progress/done protocol, enforcing callback_key authorization
// and strict callback_type sequencing before handing state transitions to
// the StateMachine.
package callback

import "github.com/curious-containers/ccserver/internal/ccmodel"

// Collection identifies which kind of container a Request targets.
type Collection string

const (
	ApplicationContainers Collection = ccmodel.CollectionApplicationContainers
	DataContainers        Collection = ccmodel.CollectionDataContainers
)

// Request is one callback delivered by a container worker (§6 Callback
// schema).
type Request struct {
	CallbackKey  string                  `json:"callback_key"`
	CallbackType int                     `json:"callback_type"`
	ContainerID  string                  `json:"container_id"`
	Content      ccmodel.CallbackContent `json:"content"`
}
