package scene

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/splice"
)

// Apply creates the model's nodes in host, dependencies first, then makes
// every connection. It returns the created nodes in creation order.
func Apply(ctx context.Context, model *Model, host *splice.Host) ([]*splice.Node, error) {
	logger := ctxlog.FromContext(ctx)
	g, err := model.Graph()
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	created := make([]*splice.Node, 0, len(order))
	for _, name := range order {
		n, err := applyNode(ctxlog.With(ctx, "node", name), model.Node(name), host)
		if err != nil {
			return created, fmt.Errorf("node '%s': %w", name, err)
		}
		created = append(created, n)
	}

	for _, c := range model.Connections {
		fromNode, fromPort, _ := splitPortKey(c.From)
		toNode, toPort, _ := splitPortKey(c.To)
		src, err := host.Node(fromNode)
		if err != nil {
			return created, err
		}
		dst, err := host.Node(toNode)
		if err != nil {
			return created, err
		}
		if err := src.ConnectPorts(fromPort, dst, toPort); err != nil {
			return created, fmt.Errorf("connection %s -> %s: %w", c.From, c.To, err)
		}
	}
	logger.Info("Scene applied.", "nodes", len(created), "connections", len(model.Connections))
	return created, nil
}

func applyNode(ctx context.Context, sn *Node, host *splice.Host) (*splice.Node, error) {
	logger := ctxlog.FromContext(ctx)
	n, err := host.NewNode(sn.Name)
	if err != nil {
		return nil, err
	}
	logger.Debug("Building scene node.", "members", len(sn.Members), "ports", len(sn.Ports), "operators", len(sn.Operators))
	for _, m := range sn.Members {
		if err := n.AddMember(m.Name, m.Type, m.Default); err != nil {
			return nil, fmt.Errorf("member '%s': %w", m.Name, err)
		}
		if m.Persistent {
			if err := n.SetMemberPersistence(m.Name, true); err != nil {
				return nil, err
			}
		}
	}
	if err := n.SetSize(sn.Size); err != nil {
		return nil, err
	}
	for _, p := range sn.Ports {
		mode, err := splice.ParseMode(p.Mode)
		if err != nil {
			return nil, fmt.Errorf("port '%s': %w", p.Name, err)
		}
		port, err := n.AddPort(p.Name, p.Member, mode)
		if err != nil {
			return nil, err
		}
		port.SetGroup(p.Group)
	}
	for _, dep := range sortedKeys(sn.DependsOn) {
		target, err := host.Node(sn.DependsOn[dep])
		if err != nil {
			return nil, err
		}
		if err := n.SetDependency(dep, target); err != nil {
			return nil, err
		}
	}
	for _, op := range sn.Operators {
		src := op.Source
		if op.Path != "" {
			buf, err := os.ReadFile(op.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read operator source %s: %w", op.Path, err)
			}
			src = string(buf)
		}
		if err := n.ConstructOperator(ctx, op.Name, src); err != nil {
			return nil, fmt.Errorf("operator '%s': %w", op.Name, err)
		}
		if op.Path != "" {
			if err := n.SetOperatorFilePath(op.Name, op.Path); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}
