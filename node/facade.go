package node

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/c360/nvbus/config"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/param"
	"github.com/c360/nvbus/registry"
	"github.com/c360/nvbus/service"
	"github.com/c360/nvbus/topic"
)

// Publish sends value on topic. Names starting with "." are relative to
// the node: ".status" on node "arm" is "arm.status".
func (n *Node) Publish(ctx context.Context, name string, value any) error {
	if err := n.running("Publish"); err != nil {
		return err
	}
	return n.bus.Publish(ctx, name, value)
}

// Subscribe delivers every message on topic to handler.
func (n *Node) Subscribe(ctx context.Context, name string, handler topic.Handler, opts ...topic.SubscribeOption) (*topic.Subscription, error) {
	if err := n.running("Subscribe"); err != nil {
		return nil, err
	}
	return n.bus.Subscribe(ctx, name, handler, opts...)
}

// Unsubscribe ends every subscription this node holds on topic.
func (n *Node) Unsubscribe(name string) error {
	if err := n.running("Unsubscribe"); err != nil {
		return err
	}
	return n.bus.UnsubscribeAll(name)
}

// Subscriptions lists the topics this node is subscribed to.
func (n *Node) Subscriptions() []string {
	if n.bus == nil {
		return []string{}
	}
	return n.bus.Topics()
}

// CallService invokes a service and waits for its result.
func (n *Node) CallService(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...service.CallOption) (any, error) {
	if err := n.running("CallService"); err != nil {
		return nil, err
	}
	return n.client.Call(ctx, name, args, kwargs, opts...)
}

// CreateService serves name with handler until RemoveService or Stop.
func (n *Node) CreateService(ctx context.Context, name string, handler service.Handler, opts ...service.ServeOption) error {
	if err := n.running("CreateService"); err != nil {
		return err
	}
	return n.server.Serve(ctx, name, handler, opts...)
}

// RemoveService stops serving name.
func (n *Node) RemoveService(ctx context.Context, name string) error {
	if err := n.running("RemoveService"); err != nil {
		return err
	}
	return n.server.Unserve(ctx, name)
}

// WaitForService blocks until some node serves name or ctx ends.
func (n *Node) WaitForService(ctx context.Context, name string) error {
	if err := n.running("WaitForService"); err != nil {
		return err
	}
	return n.client.WaitForService(ctx, name)
}

// Params returns the parameter store shared by every node on the broker.
func (n *Node) Params() *param.Store { return n.params }

// owner defaults an empty node name to this node.
func (n *Node) owner(node string) string {
	if node == "" {
		return n.name
	}
	return node
}

// GetParameter reads a parameter of node, or of this node when node is "".
func (n *Node) GetParameter(ctx context.Context, node, path string) (any, error) {
	if err := n.running("GetParameter"); err != nil {
		return nil, err
	}
	return n.params.Get(ctx, n.owner(node), path)
}

// GetParameterOr reads a parameter and returns fallback when it is not set.
func (n *Node) GetParameterOr(ctx context.Context, node, path string, fallback any) (any, error) {
	v, err := n.GetParameter(ctx, node, path)
	if stderrors.Is(err, errors.ErrParameterNotFound) {
		return fallback, nil
	}
	return v, err
}

// SetParameter writes a parameter of node, or of this node when node is "".
func (n *Node) SetParameter(ctx context.Context, node, path string, value any, description ...string) error {
	if err := n.running("SetParameter"); err != nil {
		return err
	}
	return n.params.Set(ctx, n.owner(node), path, value, description...)
}

// SetParameters writes entries in order, stopping at the first failure.
// Entries without a node belong to this node.
func (n *Node) SetParameters(ctx context.Context, entries []param.Entry) error {
	if err := n.running("SetParameters"); err != nil {
		return err
	}
	return n.params.SetMany(ctx, n.name, entries)
}

// SetParameterTree writes every leaf of tree below this node.
func (n *Node) SetParameterTree(ctx context.Context, tree map[string]any) error {
	if err := n.running("SetParameterTree"); err != nil {
		return err
	}
	return n.params.SetTree(ctx, n.name, tree)
}

// SetParametersFromFile loads a JSON, YAML or TOML file mapping node names
// to parameter trees and writes all of it.
func (n *Node) SetParametersFromFile(ctx context.Context, path string) error {
	if err := n.running("SetParametersFromFile"); err != nil {
		return err
	}
	tree, err := config.LoadParameterTree(path)
	if err != nil {
		return err
	}
	return n.params.SetFromFile(ctx, tree)
}

// GetParameters returns the parameters of node whose path matches the
// path.Match pattern, or all of them when match is "".
func (n *Node) GetParameters(ctx context.Context, node, match string) (map[string]any, error) {
	if err := n.running("GetParameters"); err != nil {
		return nil, err
	}
	return n.params.GetAll(ctx, n.owner(node), match)
}

// ParameterDescription returns the description stored with a parameter.
func (n *Node) ParameterDescription(ctx context.Context, node, path string) (string, error) {
	if err := n.running("ParameterDescription"); err != nil {
		return "", err
	}
	return n.params.Description(ctx, n.owner(node), path)
}

// DeleteParameter removes a parameter and everything below it.
func (n *Node) DeleteParameter(ctx context.Context, node, path string) error {
	if err := n.running("DeleteParameter"); err != nil {
		return err
	}
	return n.params.Delete(ctx, n.owner(node), path)
}

// DeleteParameters removes the listed paths of node, or all of its
// parameters when none are listed.
func (n *Node) DeleteParameters(ctx context.Context, node string, paths ...string) error {
	if err := n.running("DeleteParameters"); err != nil {
		return err
	}
	return n.params.DeleteAll(ctx, n.owner(node), paths...)
}

// Nodes lists the live nodes.
func (n *Node) Nodes(ctx context.Context) ([]string, error) {
	if err := n.running("Nodes"); err != nil {
		return nil, err
	}
	return n.registry.Nodes(ctx)
}

// NodeInfo returns the registry record of a live node.
func (n *Node) NodeInfo(ctx context.Context, name string) (registry.Info, error) {
	if err := n.running("NodeInfo"); err != nil {
		return registry.Info{}, err
	}
	return n.registry.NodeInfo(ctx, name)
}

// NodeExists reports whether a live node is called name.
func (n *Node) NodeExists(ctx context.Context, name string) (bool, error) {
	if err := n.running("NodeExists"); err != nil {
		return false, err
	}
	return n.registry.NodeExists(ctx, name)
}

// Topics maps every topic with a live subscriber or publisher to the time
// it was last announced.
func (n *Node) Topics(ctx context.Context) (map[string]time.Time, error) {
	if err := n.running("Topics"); err != nil {
		return nil, err
	}
	return n.registry.Topics(ctx)
}

// TopicSubscribers lists the nodes subscribed to topic.
func (n *Node) TopicSubscribers(ctx context.Context, name string) ([]string, error) {
	if err := n.running("TopicSubscribers"); err != nil {
		return nil, err
	}
	return n.registry.TopicSubscribers(ctx, n.bus.Resolve(name))
}

// TopicPublishers lists the nodes that have published on topic.
func (n *Node) TopicPublishers(ctx context.Context, name string) ([]string, error) {
	if err := n.running("TopicPublishers"); err != nil {
		return nil, err
	}
	return n.registry.TopicPublishers(ctx, n.bus.Resolve(name))
}

// HasSubscribers reports whether any live node listens on topic.
func (n *Node) HasSubscribers(ctx context.Context, name string) (bool, error) {
	subs, err := n.TopicSubscribers(ctx, name)
	return len(subs) > 0, err
}

// Services maps every served service to its providers.
func (n *Node) Services(ctx context.Context) (map[string][]string, error) {
	if err := n.running("Services"); err != nil {
		return nil, err
	}
	return n.registry.Services(ctx)
}

// ServiceProviders lists the nodes serving name.
func (n *Node) ServiceProviders(ctx context.Context, name string) ([]string, error) {
	if err := n.running("ServiceProviders"); err != nil {
		return nil, err
	}
	return n.registry.ServiceProviders(ctx, name)
}

// TerminateNode asks the node called name to stop. The request is
// fire-and-forget; use the registry to see it go.
func (n *Node) TerminateNode(ctx context.Context, name, reason string) error {
	if err := n.running("TerminateNode"); err != nil {
		return err
	}
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Node", "TerminateNode", "validate node name")
	}
	return n.bus.Publish(ctx, TerminateTopic, map[string]any{"node": name, "reason": reason})
}
