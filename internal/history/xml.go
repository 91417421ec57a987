package history

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"

	"github.com/nugget/botlab/internal/chat"
)

// EmptyDocument is the rendering of a thread with no messages.
const EmptyDocument = "<history></history>"

// TimestampLayout is the timestamp format used in rendered messages.
const TimestampLayout = "2006-01-02T15:04:05"

// RenderXML renders msgs as a <history> document. Message content is
// emitted as escaped character data so user text can never introduce
// markup into the document.
func RenderXML(msgs []chat.Message) string {
	if len(msgs) == 0 {
		return EmptyDocument
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Local: "history"}}
	// Writes go to a bytes.Buffer and every token is balanced, so the
	// encoder cannot fail here.
	_ = enc.EncodeToken(root)
	for _, m := range msgs {
		start := xml.StartElement{
			Name: xml.Name{Local: "message"},
			Attr: messageAttrs(m),
		}
		content := xml.StartElement{Name: xml.Name{Local: "content"}}
		_ = enc.EncodeToken(start)
		_ = enc.EncodeToken(content)
		_ = enc.EncodeToken(xml.CharData(m.Content))
		_ = enc.EncodeToken(content.End())
		_ = enc.EncodeToken(start.End())
	}
	_ = enc.EncodeToken(root.End())
	_ = enc.Flush()

	return buf.String()
}

func messageAttrs(m chat.Message) []xml.Attr {
	attrs := []xml.Attr{attr("role", string(m.Role))}
	if m.Agent != "" {
		attrs = append(attrs, attr("agent", m.Agent))
	}
	if m.ChatID != 0 {
		attrs = append(attrs, attr("chat_id", strconv.FormatInt(m.ChatID, 10)))
	}
	if m.MessageID != 0 {
		attrs = append(attrs, attr("id", strconv.FormatInt(m.MessageID, 10)))
	}
	if m.ReplyToThreadID != 0 {
		attrs = append(attrs, attr("reply_to_thread_id", strconv.FormatInt(m.ReplyToThreadID, 10)))
	}
	if m.ReplyToMessageID != 0 {
		attrs = append(attrs, attr("reply_to", strconv.FormatInt(m.ReplyToMessageID, 10)))
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	attrs = append(attrs, attr("timestamp", ts.Format(TimestampLayout)))
	return attrs
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}
