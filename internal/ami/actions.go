package ami

import "fmt"

// OriginateParams are the parameters for a masked-call Originate action:
// dial Channel (leg A), then execute Context/Extension/Priority on answer.
type OriginateParams struct {
	Channel   string
	Context   string
	Extension string
	Priority  int
	CallerID  string
	Timeout   int
	Variables map[string]string
	Async     bool
}

// Originate sends an Originate action under actionID and waits for the
// synchronous Response via the Action Correlator. Callers that need to
// demultiplex asynchronous events by ActionID before this call returns
// should generate actionID themselves (ami.NewActionID) and bind it into
// their own index first.
func (c *Client) Originate(actionID string, params OriginateParams) (Packet, error) {
	action := "Action: Originate\r\n"
	action += fmt.Sprintf("Channel: %s\r\n", params.Channel)
	action += fmt.Sprintf("Context: %s\r\n", params.Context)
	action += fmt.Sprintf("Exten: %s\r\n", params.Extension)
	action += fmt.Sprintf("Priority: %d\r\n", params.Priority)
	action += fmt.Sprintf("CallerID: %s\r\n", params.CallerID)
	action += fmt.Sprintf("Timeout: %d\r\n", params.Timeout)

	if params.Async {
		action += "Async: true\r\n"
	}

	for key, value := range params.Variables {
		action += fmt.Sprintf("Variable: %s=%s\r\n", key, value)
	}

	return c.SendActionWithID(actionID, action)
}

// Hangup terminates a channel by Asterisk channel identifier.
func (c *Client) Hangup(channel string, cause string) (Packet, error) {
	action := "Action: Hangup\r\n"
	action += fmt.Sprintf("Channel: %s\r\n", channel)
	if cause != "" {
		action += fmt.Sprintf("Cause: %s\r\n", cause)
	}
	return c.SendAction(action)
}

// Ping sends a keepalive action, used by the heartbeat watchdog.
func (c *Client) Ping() (Packet, error) {
	return c.SendAction("Action: Ping\r\n")
}
