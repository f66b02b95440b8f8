package actor

// testMsg is a minimal Message implementation shared across this package's
// tests that don't care about payload shape beyond a single string field.
type testMsg struct {
	BaseMessage
	data string
}

// MessageType implements the Message interface.
func (m *testMsg) MessageType() string { return "testMsg" }

// newTestMsg constructs a *testMsg carrying the given payload.
func newTestMsg(data string) *testMsg {
	return &testMsg{data: data}
}
