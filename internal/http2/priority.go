package http2

import (
	"fmt"
	"sync"
)

// priorityNode stores individual stream priority information.
// As per RFC 7540 Section 5.3.
// This struct is not typically exported, as its fields are managed by PriorityTree.
type priorityNode struct {
	// streamID is the ID of the stream this node represents.
	streamID uint32

	// weight is the stream's weight, as specified in a PRIORITY or HEADERS frame.
	// This is an 8-bit value (0-255). The effective weight used for resource
	// allocation is this value + 1 (range 1-256).
	// RFC 7540, Section 5.3.2: "A default weight of 16 is assigned..."
	// This corresponds to a frame value of 15.
	weight uint8

	// parentID is the stream ID of the parent stream.
	// A value of 0 indicates that this stream is dependent on the root (stream 0 itself).
	parentID uint32

	// childrenIDs is a list of stream IDs that are direct children of this node.
	// The order might matter for some scheduling algorithms, but RFC 7540
	// does not specify order significance beyond weight.
	childrenIDs []uint32

	// exclusive indicates if this stream was made an exclusive child of its parent
	// when its dependency was last set. If true, it implies that when this
	// dependency was established, this stream became the sole child of parentID,
	// and any previous children of parentID became children of this stream.
	// The ongoing state of exclusivity might be complex if the parent's children
	// list is modified subsequently by other operations.
	exclusive bool

	// Note: Additional fields for scheduler optimization (e.g., pointers to parent/child nodes,
	// total child weights, active child count) could be added but are omitted here
	// to stick to the core structural definition based on the spec's primary requirements.
}

// PriorityTree manages all priorityNodes and stream dependencies for a connection.
// It provides thread-safe access to the priority state of streams.
// Stream 0 is the implicit root of the tree, and all streams are initially
// dependent on stream 0.
type PriorityTree struct {
	// mu protects access to the nodes map and the internal structure of priorityNodes
	// if they were to be modified directly by multiple goroutines (though typically
	// modifications would be serialized through PriorityTree methods).
	mu sync.RWMutex

	// nodes maps a stream ID to its priorityNode.
	// This map includes a node for stream 0, which acts as the root.
	nodes map[uint32]*priorityNode
}

// NewPriorityTree creates and initializes a new PriorityTree.
// It sets up stream 0 as the root of the priority tree.
func NewPriorityTree() *PriorityTree {
	// Stream 0 is the root of the tree. It has no parent and its weight is not relevant.
	// PRIORITY frames cannot be sent *on* stream 0.
	rootNode := &priorityNode{
		streamID:    0,
		weight:      0, // Weight is not applicable to stream 0 itself.
		parentID:    0, // Conventionally, root's parent can be 0 or a special marker.
		childrenIDs: make([]uint32, 0),
		exclusive:   false, // Exclusivity is not applicable to stream 0 itself.
	}

	return &PriorityTree{
		nodes: map[uint32]*priorityNode{
			0: rootNode,
		},
	}
}

// getOrCreateNode returns the node for streamID, creating a default
// root-dependent one if it does not yet exist. Caller must hold pt.mu.
func (pt *PriorityTree) getOrCreateNode(streamID uint32) *priorityNode {
	if n, ok := pt.nodes[streamID]; ok {
		return n
	}
	n := &priorityNode{streamID: streamID, weight: 15, parentID: 0, childrenIDs: nil}
	pt.nodes[streamID] = n
	pt.nodes[0].childrenIDs = append(pt.nodes[0].childrenIDs, streamID)
	return n
}

func removeChild(children []uint32, id uint32) []uint32 {
	for i, c := range children {
		if c == id {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}

// reparent applies an exclusive-or-shared dependency of streamID on
// parentID, per RFC 7540 Section 5.3.1. Caller must hold pt.mu.
func (pt *PriorityTree) reparent(streamID, parentID uint32, weight uint8, exclusive bool) {
	node := pt.getOrCreateNode(streamID)
	parent := pt.getOrCreateNode(parentID)

	if node.parentID != parentID || node != parent {
		if old, ok := pt.nodes[node.parentID]; ok {
			old.childrenIDs = removeChild(old.childrenIDs, streamID)
		}
	}

	node.parentID = parentID
	node.weight = weight
	node.exclusive = exclusive

	if exclusive {
		// streamID becomes the sole child of parentID; parentID's former
		// children become children of streamID.
		formerChildren := parent.childrenIDs
		parent.childrenIDs = []uint32{streamID}
		for _, c := range formerChildren {
			if c == streamID {
				continue
			}
			if cn, ok := pt.nodes[c]; ok {
				cn.parentID = streamID
			}
			node.childrenIDs = append(node.childrenIDs, c)
		}
	} else {
		alreadyChild := false
		for _, c := range parent.childrenIDs {
			if c == streamID {
				alreadyChild = true
				break
			}
		}
		if !alreadyChild {
			parent.childrenIDs = append(parent.childrenIDs, streamID)
		}
	}
}

// AddStream registers streamID in the tree as a dependent of dependentOn
// with the given frame weight value, which is stored as given (a zero weight
// is not replaced). The Session passes 15, the frame value of the RFC 7540
// Section 5.3.5 default weight of 16, for streams without explicit priority.
func (pt *PriorityTree) AddStream(streamID uint32, dependentOn uint32, weight uint8, exclusive bool) error {
	if streamID == 0 {
		return fmt.Errorf("priority: stream 0 cannot be added to the priority tree")
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if dependentOn == streamID {
		// RFC 7540 5.3.1: a stream cannot depend on itself; treat as a
		// dependency on the former parent's parent is overkill here, simply
		// fall back to depending on the root, matching common server behavior.
		dependentOn = 0
	}
	pt.reparent(streamID, dependentOn, weight, exclusive)
	return nil
}

// ProcessPriorityFrame applies a PRIORITY frame's dependency information to
// the tree.
func (pt *PriorityTree) ProcessPriorityFrame(streamID uint32, frame *PriorityFrame) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame received on stream 0")
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dependentOn := frame.StreamDependency
	if dependentOn == streamID {
		dependentOn = 0
	}
	pt.reparent(streamID, dependentOn, frame.Weight, frame.Exclusive)
	return nil
}

// RemoveStream removes streamID from the tree, re-parenting its children
// onto its former parent, per RFC 7540 Section 5.3.4.
func (pt *PriorityTree) RemoveStream(streamID uint32) error {
	if streamID == 0 {
		return fmt.Errorf("priority: cannot remove the root stream")
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return nil
	}
	if parent, ok := pt.nodes[node.parentID]; ok {
		parent.childrenIDs = removeChild(parent.childrenIDs, streamID)
		for _, c := range node.childrenIDs {
			if cn, ok := pt.nodes[c]; ok {
				cn.parentID = node.parentID
			}
			parent.childrenIDs = append(parent.childrenIDs, c)
		}
	}
	delete(pt.nodes, streamID)
	return nil
}

// GetDependencies returns streamID's parent and direct children.
func (pt *PriorityTree) GetDependencies(streamID uint32) (parentID uint32, childrenIDs []uint32, err error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	node, ok := pt.nodes[streamID]
	if !ok {
		return 0, nil, fmt.Errorf("priority: unknown stream %d", streamID)
	}
	children := make([]uint32, len(node.childrenIDs))
	copy(children, node.childrenIDs)
	return node.parentID, children, nil
}
