package broker

import (
	"strings"
	"sync"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/internal/packet/utils"
	"github.com/nyxmq/broker/pkg/er"
)

// Subscription is one client's filter on the subscription tree. Matching a
// PUBLISH against the tree yields a list of these; the broker turns each
// into a delivery.InsertOutgoing call rather than invoking a callback here.
type Subscription struct {
	ClientID string
	Session  *Session
	Topic    string
	QoS      packet.QoSLevel
}

// TrieNode is one topic level of the subscription trie. "+" and "#" are
// stored as literal children named "+" and "#"; matchNode dispatches on
// those child names and does not read isWildcard/isMultiWild.
type TrieNode struct {
	children    map[string]*TrieNode
	subscribers map[string]*Subscription // ClientID -> Subscription
	isWildcard  bool                     // for + wildcards
	isMultiWild bool                     // for # wildcards
}

func newTrieNode() *TrieNode {
	return &TrieNode{
		children:    make(map[string]*TrieNode),
		subscribers: make(map[string]*Subscription),
	}
}

// SubscriptionTree is a trie over '/'-separated topic levels supporting the
// MQTT "+" (single level) and "#" (multi level, trailing only) wildcards.
type SubscriptionTree struct {
	root *TrieNode
	mu   sync.RWMutex

	// byClient indexes a client's own filters for Unsubscribe/UnsubscribeAll/
	// GetSubscriptions without walking the whole trie.
	byClient map[string]map[string]struct{}
}

func NewSubscriptionTree() *SubscriptionTree {
	return &SubscriptionTree{
		root:     newTrieNode(),
		byClient: make(map[string]map[string]struct{}),
	}
}

func splitLevels(topic string) []string {
	return strings.Split(topic, "/")
}

// Subscribe adds clientID's filter to the trie, replacing any prior
// subscription the same client held on the same filter.
func (t *SubscriptionTree) Subscribe(clientID string, session *Session, topicFilter string, qos packet.QoSLevel) error {
	if !IsValidTopicFilter(topicFilter) {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range splitLevels(topicFilter) {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			child.isWildcard = level == "+"
			child.isMultiWild = level == "#"
			node.children[level] = child
		}
		node = child
	}

	node.subscribers[clientID] = &Subscription{
		ClientID: clientID,
		Session:  session,
		Topic:    topicFilter,
		QoS:      qos,
	}

	if t.byClient[clientID] == nil {
		t.byClient[clientID] = make(map[string]struct{})
	}
	t.byClient[clientID][topicFilter] = struct{}{}

	return nil
}

// Unsubscribe removes clientID's filter from the trie.
func (t *SubscriptionTree) Unsubscribe(clientID, topicFilter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range splitLevels(topicFilter) {
		child, ok := node.children[level]
		if !ok {
			return &er.Err{Context: "Unsubscribe", Message: er.ErrNotFound}
		}
		node = child
	}

	if _, ok := node.subscribers[clientID]; !ok {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrNotFound}
	}
	delete(node.subscribers, clientID)
	delete(t.byClient[clientID], topicFilter)
	if len(t.byClient[clientID]) == 0 {
		delete(t.byClient, clientID)
	}
	return nil
}

// UnsubscribeAll removes every filter clientID holds, e.g. on disconnect.
func (t *SubscriptionTree) UnsubscribeAll(clientID string) {
	t.mu.Lock()
	filters := make([]string, 0, len(t.byClient[clientID]))
	for f := range t.byClient[clientID] {
		filters = append(filters, f)
	}
	t.mu.Unlock()

	for _, f := range filters {
		_ = t.Unsubscribe(clientID, f)
	}
}

// GetSubscriptions returns clientID's current subscriptions.
func (t *SubscriptionTree) GetSubscriptions(clientID string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make([]*Subscription, 0, len(t.byClient[clientID]))
	for filter := range t.byClient[clientID] {
		node := t.root
		ok := true
		for _, level := range splitLevels(filter) {
			child, exists := node.children[level]
			if !exists {
				ok = false
				break
			}
			node = child
		}
		if ok {
			if sub, exists := node.subscribers[clientID]; exists {
				subs = append(subs, sub)
			}
		}
	}
	return subs
}

// Match returns every subscription whose filter matches topic.
func (t *SubscriptionTree) Match(topic string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []*Subscription
	matchNode(t.root, splitLevels(topic), &matches)
	return matches
}

func matchNode(node *TrieNode, levels []string, matches *[]*Subscription) {
	if multi, ok := node.children["#"]; ok {
		for _, sub := range multi.subscribers {
			*matches = append(*matches, sub)
		}
	}

	if len(levels) == 0 {
		for _, sub := range node.subscribers {
			*matches = append(*matches, sub)
		}
		return
	}

	level, rest := levels[0], levels[1:]

	if child, ok := node.children[level]; ok {
		matchNode(child, rest, matches)
	}
	if child, ok := node.children["+"]; ok {
		matchNode(child, rest, matches)
	}
}

// TopicMatches reports whether topic satisfies topicFilter, used when
// fanning out retained messages to a newly-subscribed client.
func TopicMatches(topicFilter, topic string) bool {
	filterLevels := splitLevels(topicFilter)
	topicLevels := splitLevels(topic)

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// IsValidTopicFilter reports whether topicFilter is well formed.
func IsValidTopicFilter(topicFilter string) bool {
	return utils.ValidateTopicFilter(topicFilter) == nil
}

// IsValidTopicName reports whether topicName is a valid publish topic
// (no wildcards).
func IsValidTopicName(topicName string) bool {
	return utils.ValidateTopicName(topicName) == nil
}
