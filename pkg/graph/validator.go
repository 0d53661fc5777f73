package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowstate-io/flowstate/pkg/depstring"
	"github.com/flowstate-io/flowstate/pkg/registry"
	"github.com/flowstate-io/flowstate/pkg/types"
)

// Verify runs the full validation of a graph template and returns every
// error found. It never short-circuits: the caller gets the complete list so
// a template author can fix everything in one round trip.
//
// Structural invariants are checked first; the three registry-dependent
// checks then run concurrently against one batch lookup:
//
//	(i)   every (node_name, namespace) resolves in the registry
//	(ii)  every secret required by a referenced registered node is present
//	(iii) every declared input is present, string-typed, and every
//	      placeholder resolves to a template-local string output
func (t *Templates) Verify(tpl *types.GraphTemplate) []string {
	errs := verifyStructure(tpl)

	found, missing, err := t.registry.LookupMany(tpl.Nodes)
	if err != nil {
		return append(errs, fmt.Sprintf("registry lookup failed: %v", err))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	collect := func(more []string) {
		mu.Lock()
		errs = append(errs, more...)
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		collect(verifyNodesResolve(missing))
	}()
	go func() {
		defer wg.Done()
		collect(verifySecrets(tpl, found))
	}()
	go func() {
		defer wg.Done()
		collect(verifyInputs(tpl, found))
	}()
	wg.Wait()

	sort.Strings(errs)
	return errs
}

// verifyStructure checks the template-local invariants that need no
// registry access: identifier uniqueness, the reserved "store" identifier,
// and next_nodes referring to existing, distinct identifiers.
func verifyStructure(tpl *types.GraphTemplate) []string {
	var errs []string

	seen := make(map[string]bool)
	for _, n := range tpl.Nodes {
		if n.Identifier == "" {
			errs = append(errs, fmt.Sprintf("node %s/%s has an empty identifier", n.Namespace, n.NodeName))
			continue
		}
		if n.Identifier == depstring.StoreIdentifier {
			errs = append(errs, fmt.Sprintf("identifier %q is reserved", depstring.StoreIdentifier))
		}
		if seen[n.Identifier] {
			errs = append(errs, fmt.Sprintf("identifier %q is declared more than once", n.Identifier))
		}
		seen[n.Identifier] = true
	}

	for _, n := range tpl.Nodes {
		next := make(map[string]bool)
		for _, succ := range n.NextNodes {
			if succ == "" {
				errs = append(errs, fmt.Sprintf("node %q lists an empty successor identifier", n.Identifier))
				continue
			}
			if next[succ] {
				errs = append(errs, fmt.Sprintf("node %q lists successor %q more than once", n.Identifier, succ))
			}
			next[succ] = true
			if !seen[succ] {
				errs = append(errs, fmt.Sprintf("node %q lists unknown successor %q", n.Identifier, succ))
			}
		}
		for _, u := range n.Unites {
			if u.Identifier == "" || !seen[u.Identifier] {
				errs = append(errs, fmt.Sprintf("node %q unites on unknown identifier %q", n.Identifier, u.Identifier))
			}
			switch u.Strategy {
			case types.UnitesAllSuccess, types.UnitesAllDone:
			default:
				errs = append(errs, fmt.Sprintf("node %q has unknown unites strategy %q", n.Identifier, u.Strategy))
			}
		}
	}

	return errs
}

func verifyNodesResolve(missing []string) []string {
	var errs []string
	for _, key := range missing {
		errs = append(errs, fmt.Sprintf("registered node %s does not exist", key))
	}
	return errs
}

// verifySecrets checks that every secret any referenced registered node
// requires is present in the template's secret map.
func verifySecrets(tpl *types.GraphTemplate, found map[string]*types.RegisteredNode) []string {
	var errs []string
	reported := make(map[string]bool)
	for _, n := range tpl.Nodes {
		rn, ok := found[n.Namespace+"/"+n.NodeName]
		if !ok {
			continue
		}
		for _, secret := range rn.Secrets {
			if _, ok := tpl.Secrets[secret]; ok {
				continue
			}
			if reported[secret] {
				continue
			}
			reported[secret] = true
			errs = append(errs, fmt.Sprintf("secret %q required by node %s/%s is not present", secret, rn.Namespace, rn.Name))
		}
	}
	return errs
}

// verifyInputs checks declared inputs against each node's input schema and
// every placeholder against the template and the referenced output schemas.
func verifyInputs(tpl *types.GraphTemplate, found map[string]*types.RegisteredNode) []string {
	var errs []string

	for _, n := range tpl.Nodes {
		rn, ok := found[n.Namespace+"/"+n.NodeName]
		if !ok {
			continue
		}

		for _, required := range registry.RequiredFields(rn.InputsSchema) {
			if _, ok := n.Inputs[required]; !ok {
				errs = append(errs, fmt.Sprintf("node %q is missing required input %q", n.Identifier, required))
			}
		}

		inputTypes := registry.SchemaProperties(rn.InputsSchema)
		for name, value := range n.Inputs {
			if typ, ok := inputTypes[name]; ok && typ != "" && typ != "string" {
				errs = append(errs, fmt.Sprintf("input %q of node %q is declared %s, only string inputs are supported", name, n.Identifier, typ))
			}

			ds, err := depstring.Parse(value)
			if err != nil {
				errs = append(errs, fmt.Sprintf("input %q of node %q: %v", name, n.Identifier, err))
				continue
			}
			for _, ref := range ds.IdentifierFields() {
				if ref.Identifier == depstring.StoreIdentifier {
					continue
				}
				target := tpl.Node(ref.Identifier)
				if target == nil {
					errs = append(errs, fmt.Sprintf("input %q of node %q references unknown identifier %q", name, n.Identifier, ref.Identifier))
					continue
				}
				trn, ok := found[target.Namespace+"/"+target.NodeName]
				if !ok {
					continue
				}
				outTypes := registry.SchemaProperties(trn.OutputsSchema)
				typ, declared := outTypes[ref.Field]
				if !declared {
					errs = append(errs, fmt.Sprintf("input %q of node %q references output %q which node %q does not declare", name, n.Identifier, ref.Field, ref.Identifier))
					continue
				}
				if typ != "" && typ != "string" {
					errs = append(errs, fmt.Sprintf("output %q of node %q is declared %s, only string outputs can be referenced", ref.Field, ref.Identifier, typ))
				}
			}
		}
	}

	return errs
}
