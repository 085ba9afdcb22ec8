package vsockbridge

// Connect is sent device->bridge whenever the device accepts a guest
// REQUEST (listen mode). In connect mode the bridge does not send this
// message; it calls the device's Connect method directly to start an
// outbound REQUEST.
type Connect struct {
	Port uint32
}

// Connected is sent device->bridge once the guest has accepted a
// host-initiated REQUEST (a RESPONSE was received) — spec.md §9's "guest
// accepted our outbound REQUEST" event, given its own message type here.
type Connected struct {
	Port uint32
}

// Data carries a payload for port in either direction.
type Data struct {
	Port  uint32
	Bytes []byte
}

// Closed reports that the connection on Port has ended, in either
// direction.
type Closed struct {
	Port uint32
}
