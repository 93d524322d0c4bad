package bcp

// RegisterFrame carries the client's chosen username.
type RegisterFrame struct {
	Username BoundedString
}

// SendFrame carries one chat line from a client to the server.
type SendFrame struct {
	Message BoundedString
}

// DeliverFrame carries a server-originated chat line to a recipient.
type DeliverFrame struct {
	From    BoundedString
	Message BoundedString
}

// StatusFrame carries a round-trip acknowledgement, client- or
// server-originated.
type StatusFrame struct {
	Code    StatusCode
	Message BoundedString
}
