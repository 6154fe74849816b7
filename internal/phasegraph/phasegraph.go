package phasegraph

// New returns an empty phase graph.
func New() *Graph {
	return &Graph{
		graph:      make(map[string][]string),
		starting:   make(map[string]bool),
		terminal:   make(map[string]bool),
		validNodes: make(map[string]bool),
		position:   make(map[string]int),
	}
}

// Graph is a directed acyclic graph of phase names. Phases are added in declaration order which
// also defines each phase's position for progress reporting.
type Graph struct {
	graph      map[string][]string
	nodeOrder  []string
	starting   map[string]bool
	terminal   map[string]bool
	validNodes map[string]bool
	position   map[string]int
}

func (g *Graph) AddTransition(from, to string) {
	if _, ok := g.validNodes[from]; !ok {
		g.position[from] = len(g.nodeOrder)
		g.nodeOrder = append(g.nodeOrder, from)
	}

	if _, ok := g.validNodes[to]; !ok {
		g.position[to] = len(g.nodeOrder)
		g.nodeOrder = append(g.nodeOrder, to)
	}

	// Nodes that are reached via another node are never considered starting nodes
	g.starting[to] = false

	// Only mark the origin node ("from") as a starting node if it's never been marked as false
	if _, ok := g.starting[from]; !ok {
		g.starting[from] = true
	}

	// If the destination has not been defined as a node with edges then mark it as terminal
	if _, ok := g.graph[to]; !ok {
		g.terminal[to] = true
	}

	// When declaring a node with edges ensure that any previous marking as terminal is overridden
	if _, ok := g.terminal[from]; ok {
		g.terminal[from] = false
	}

	g.graph[from] = append(g.graph[from], to)

	g.validNodes[from] = true
	g.validNodes[to] = true
}

func (g *Graph) IsTerminal(node string) bool {
	return g.terminal[node]
}

func (g *Graph) IsValid(node string) bool {
	return g.validNodes[node]
}

func (g *Graph) Transitions(node string) []string {
	return g.graph[node]
}

// Next returns the first declared successor of node. The second return is false for terminal or
// unknown nodes.
func (g *Graph) Next(node string) (string, bool) {
	transitions := g.graph[node]
	if len(transitions) == 0 {
		return "", false
	}

	return transitions[0], true
}

// First returns the entry node of the graph: the first declared node never reached via another.
func (g *Graph) First() string {
	for _, node := range g.nodeOrder {
		if g.starting[node] {
			return node
		}
	}

	return ""
}

// Position returns the zero based declaration index of node and the total node count. Used for
// coarse progress percentages.
func (g *Graph) Position(node string) (index, total int) {
	return g.position[node], len(g.nodeOrder)
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []string {
	nodes := make([]string, len(g.nodeOrder))
	copy(nodes, g.nodeOrder)
	return nodes
}

type Transition struct {
	From string
	To   string
}

type Info struct {
	StartingNodes []string
	TerminalNodes []string
	Transitions   []Transition
}

func (g *Graph) Info() Info {
	var i Info
	for _, node := range g.nodeOrder {
		if transitions, ok := g.graph[node]; ok {
			for _, to := range transitions {
				i.Transitions = append(i.Transitions, Transition{From: node, To: to})
			}
		}

		if g.starting[node] {
			i.StartingNodes = append(i.StartingNodes, node)
		}

		if g.terminal[node] {
			i.TerminalNodes = append(i.TerminalNodes, node)
		}
	}

	return i
}
