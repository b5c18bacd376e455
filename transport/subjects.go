package transport

import "strings"

// subjectScheme builds the dot-separated routing keys for one session.
// The routing prefix is opaque, caller-supplied configuration established
// during enrollment; it may itself contain dots.
//
// Requests go to  {prefix}.forVault.{operation}
// and replies to  {prefix}.forApp.{operation}.response[.{request_id}].
// Request and reply subjects never coincide, so a sender cannot observe its
// own request as a false reply.
type subjectScheme struct {
	prefix string
}

func (s subjectScheme) request(operation string) string {
	return s.prefix + ".forVault." + operation
}

func (s subjectScheme) replyRoot(operation string) string {
	return s.prefix + ".forApp." + operation + ".response"
}

func (s subjectScheme) reply(operation, requestID string) string {
	return s.replyRoot(operation) + "." + requestID
}

func (s subjectScheme) replyWildcard() string {
	return s.prefix + ".forApp.>"
}

// parseReply extracts the operation and, when present, the request id from
// a reply subject. Operation names may themselves be dot-separated, so the
// "response" marker is located from the end.
func (s subjectScheme) parseReply(subject string) (operation, requestID string, ok bool) {
	rest := strings.TrimPrefix(subject, s.prefix+".forApp.")
	if rest == subject {
		return "", "", false
	}
	tokens := strings.Split(rest, ".")
	for i := len(tokens) - 1; i > 0; i-- {
		if tokens[i] != "response" {
			continue
		}
		operation = strings.Join(tokens[:i], ".")
		switch len(tokens) - i {
		case 1:
			return operation, "", true
		case 2:
			return operation, tokens[i+1], true
		}
	}
	return "", "", false
}
