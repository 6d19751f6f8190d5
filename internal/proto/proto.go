// Package proto declares the message shapes exchanged between nodes over
// the queue. Every payload is a JSON Envelope tagged with the publishing
// node's name; consumers drop envelopes carrying their own origin.
package proto

const (
	// TypePrivmsg carries chat text to a user or group topic.
	TypePrivmsg = "privmsg"

	// TypeJoin announces a nick entering a group.
	TypeJoin = "join"

	// TypePart announces a nick leaving a group.
	TypePart = "part"
)

// Contact identifies the acting user and the node hosting its connection.
type Contact struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

// Body is the inner payload of an Envelope. Fields beyond Type and Sender
// are set depending on Type.
type Body struct {
	Type      string   `json:"type"`
	Sender    *Contact `json:"sender,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Text      string   `json:"text,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Envelope is the on-wire frame: the body wrapped with its origin tag.
type Envelope struct {
	Origin  string `json:"origin"`
	MsgBody Body   `json:"msg_body"`
}

// Privmsg builds a chat message body. Recipient is stamped by the sender
// right before publishing.
func Privmsg(sender Contact, recipient, text string) Body {
	return Body{Type: TypePrivmsg, Sender: &sender, Recipient: recipient, Text: text}
}

// Join builds a group join announcement.
func Join(sender Contact) Body {
	return Body{Type: TypeJoin, Sender: &sender}
}

// Part builds a group part announcement.
func Part(sender Contact, reason string) Body {
	return Body{Type: TypePart, Sender: &sender, Reason: reason}
}
