// pkg/model/sinks.go
package model

// Sinks are the channels a hub client feeds. The consumer owns and creates them;
// the hub client only ever sends.
type Sinks struct {
	Status   chan<- AuthenticationStatus
	Desired  chan<- DesiredUpdate
	Methods  chan<- DirectMethodInvocation
	Messages chan<- IncomingMessage
}
