package protocol

// Outbox delivers frames to connections. Send never blocks; a connection
// that cannot keep up is dropped by the implementation. Terminate closes a
// connection for good.
type Outbox interface {
	Send(connectionID string, frame []byte)
	Terminate(connectionID string)
}

// Deliver encodes the event once and sends it to every connection listed.
func Deliver(out Outbox, connectionIDs []string, t EventType, payload any) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	frame, err := Encode(t, payload)
	if err != nil {
		return err
	}
	for _, id := range connectionIDs {
		out.Send(id, frame)
	}
	return nil
}
