package packet

// Properties carries the handful of MQTT v5.0 PUBLISH properties the
// delivery core threads through a message's lifetime. Fields are nil/zero
// when absent; MQTT 3.1.1 connections never populate them.
type Properties struct {
	ContentType             string
	ResponseTopic           string
	CorrelationData         []byte
	MessageExpiry           *uint32
	PayloadFormat           *uint8
	SubscriptionIdentifier  uint32
	UserProperties          map[string]string
}
