package hub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const apiVersion = "2021-04-12"

const (
	topicTwinResponses = "$iothub/twin/res/#"
	topicTwinDesired   = "$iothub/twin/PATCH/properties/desired/#"
	topicMethods       = "$iothub/methods/POST/#"

	prefixTwinResponse = "$iothub/twin/res/"
	prefixTwinDesired  = "$iothub/twin/PATCH/properties/desired/"
	prefixMethod       = "$iothub/methods/POST/"
)

func twinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

func reportedTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

func methodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, rid)
}

// deviceBase is "devices/<device>" or "devices/<device>/modules/<module>".
func deviceBase(id Identity) string {
	if id.ModuleID == "" {
		return "devices/" + id.DeviceID
	}
	return "devices/" + id.DeviceID + "/modules/" + id.ModuleID
}

// inboundTopic is the cloud-to-device topic for a device and the input topic for a module.
func inboundTopic(id Identity) string {
	if id.ModuleID == "" {
		return deviceBase(id) + "/messages/devicebound/#"
	}
	return deviceBase(id) + "/inputs/#"
}

func eventsTopic(id Identity, bag string) string {
	return deviceBase(id) + "/messages/events/" + bag
}

// twinResponse is a parsed "$iothub/twin/res/<status>/?$rid=<rid>[&$version=<v>]" topic.
type twinResponse struct {
	status int
	rid    string
}

func parseTwinResponse(topic string) (twinResponse, error) {
	rest, ok := strings.CutPrefix(topic, prefixTwinResponse)
	if !ok {
		return twinResponse{}, fmt.Errorf("not a twin response topic: %q", topic)
	}
	statusPart, query, _ := strings.Cut(rest, "/?")
	status, err := strconv.Atoi(statusPart)
	if err != nil {
		return twinResponse{}, fmt.Errorf("twin response status %q: %w", statusPart, err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return twinResponse{}, fmt.Errorf("twin response query %q: %w", query, err)
	}
	return twinResponse{status: status, rid: values.Get("$rid")}, nil
}

// parseMethodRequest splits "$iothub/methods/POST/<name>/?$rid=<rid>".
func parseMethodRequest(topic string) (name, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, prefixMethod)
	if !ok {
		return "", "", fmt.Errorf("not a method topic: %q", topic)
	}
	name, query, _ := strings.Cut(rest, "/?")
	if name == "" {
		return "", "", fmt.Errorf("method topic without a name: %q", topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("method query %q: %w", query, err)
	}
	return name, values.Get("$rid"), nil
}

// parsePropertyBag decodes the URL-encoded trailing segment of a message topic.
// Keys starting with "$." are system properties.
func parsePropertyBag(bag string) (props, sys map[string]string, err error) {
	values, err := url.ParseQuery(bag)
	if err != nil {
		return nil, nil, fmt.Errorf("property bag %q: %w", bag, err)
	}
	props = map[string]string{}
	sys = map[string]string{}
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		if strings.HasPrefix(k, "$.") {
			sys[k] = v[0]
		} else {
			props[k] = v[0]
		}
	}
	return props, sys, nil
}

// inboundPropertyBag returns the property bag of a cloud-to-device or module input topic.
// For module inputs it also returns the input name, which the client stores under SysInputName.
func inboundPropertyBag(id Identity, topic string) (bag, input string) {
	rest := strings.TrimPrefix(topic, deviceBase(id)+"/")
	if id.ModuleID == "" {
		return strings.TrimPrefix(rest, "messages/devicebound/"), ""
	}
	rest = strings.TrimPrefix(rest, "inputs/")
	input, bag, _ = strings.Cut(rest, "/")
	return bag, input
}

func encodePropertyBag(props, sys map[string]string) string {
	values := url.Values{}
	for k, v := range sys {
		values.Set(k, v)
	}
	for k, v := range props {
		values.Set(k, v)
	}
	return values.Encode()
}
