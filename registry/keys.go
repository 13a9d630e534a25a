package registry

import (
	"encoding/base64"
	"strings"
)

// Bucket names shared by every node.
const (
	Bucket           = "nv_registry"
	ParametersBucket = "nv_parameters"
)

// Key prefixes inside Bucket.
const (
	prefixNode       = "node"
	prefixSubscriber = "sub"
	prefixPublisher  = "pub"
	prefixService    = "srv"
)

// Channels the service layer publishes on. Topics leaves them out; they
// match service.ServicePrefix and service.ReplyPrefix.
var internalChannelPrefixes = []string{"nv.srv.", "nv.reply."}

func internalChannel(channel string) bool {
	for _, p := range internalChannelPrefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

var seg = base64.RawURLEncoding

// encodeSegment makes an arbitrary name safe as one dot-separated key token.
func encodeSegment(name string) string {
	return seg.EncodeToString([]byte(name))
}

func decodeSegment(s string) (string, bool) {
	b, err := seg.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// NodeKey is the liveness key of node.
func NodeKey(node string) string {
	return prefixNode + "." + encodeSegment(node)
}

func endpointKey(prefix, name, node string) string {
	return prefix + "." + encodeSegment(name) + "." + encodeSegment(node)
}

// SubscriberKey records that node subscribes to topic.
func SubscriberKey(topic, node string) string {
	return endpointKey(prefixSubscriber, topic, node)
}

// PublisherKey records that node publishes on topic.
func PublisherKey(topic, node string) string {
	return endpointKey(prefixPublisher, topic, node)
}

// ServiceKey records that node serves service.
func ServiceKey(service, node string) string {
	return endpointKey(prefixService, service, node)
}

func endpointPattern(prefix, name string) string {
	if name == "" {
		return prefix + ".*.*"
	}
	return prefix + "." + encodeSegment(name) + ".*"
}

// parseEndpointKey splits "<prefix>.<name>.<node>".
func parseEndpointKey(key string) (name, node string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return "", "", false
	}
	if name, ok = decodeSegment(parts[1]); !ok {
		return "", "", false
	}
	if node, ok = decodeSegment(parts[2]); !ok {
		return "", "", false
	}
	return name, node, true
}

func parseNodeKey(key string) (string, bool) {
	rest, found := strings.CutPrefix(key, prefixNode+".")
	if !found || strings.Contains(rest, ".") {
		return "", false
	}
	return decodeSegment(rest)
}
