/*
 * TO USE
 * - run from the repository root so the module's packages resolve:
 *   go run ./tools/depgraph [-dot] [pkg pattern...]
 */
package main

import "flag"
import "fmt"
import "os"
import "sort"
import "strings"

import "golang.org/x/tools/go/packages"

// layering rules for the kernel tree. a package may import only
// packages at a strictly lower layer; same-layer imports are cycles
// waiting to happen.
var layers = map[string]int{
	"kiwi/defs":      0,
	"kiwi/util":      0,
	"kiwi/limits":    1,
	"kiwi/stats":     1,
	"kiwi/hashtable": 1,
	"kiwi/ksync":     1,
	"kiwi/mem":       2,
	"kiwi/kmem":      3,
	"kiwi/vm":        4,
	"kiwi/sched":     4,
	"kiwi/irq":       4,
	"kiwi/ktime":     5,
	"kiwi/obj":       5,
	"kiwi/disk":      5,
	"kiwi/net":       5,
	"kiwi/fs":        6,
	"kiwi/kdb":       6,
	"kiwi/ipc":       6,
	"kiwi/proc":      7,
	"kiwi/kelf":      8,
	"kiwi/svcmgr":    8,
	"kiwi/prof":      8,
	"kiwi/kernel":    9,
}

func kiwipkg(path string) bool {
	return path == "kiwi" || strings.HasPrefix(path, "kiwi/")
}

func loadall(patterns []string) ([]*packages.Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, err
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, fmt.Errorf("packages had errors")
	}
	return pkgs, nil
}

// edges returns the intra-module import graph.
func edges(pkgs []*packages.Package) map[string][]string {
	g := make(map[string][]string)
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if !kiwipkg(p.PkgPath) {
			return
		}
		var deps []string
		for ipath := range p.Imports {
			if kiwipkg(ipath) {
				deps = append(deps, ipath)
			}
		}
		sort.Strings(deps)
		g[p.PkgPath] = deps
	})
	return g
}

func checklayers(g map[string][]string) int {
	bad := 0
	var paths []string
	for p := range g {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		pl, ok := layers[p]
		if !ok {
			fmt.Fprintf(os.Stderr, "%s: not in layer table\n", p)
			bad++
			continue
		}
		for _, d := range g[p] {
			dl, ok := layers[d]
			if !ok {
				continue
			}
			if dl >= pl {
				fmt.Fprintf(os.Stderr,
					"%s (layer %d) imports %s (layer %d)\n",
					p, pl, d, dl)
				bad++
			}
		}
	}
	return bad
}

func dot(g map[string][]string) {
	fmt.Println("digraph deps {")
	fmt.Println("\trankdir=BT;")
	var paths []string
	for p := range g {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for _, d := range g[p] {
			fmt.Printf("\t%q -> %q;\n", p, d)
		}
	}
	fmt.Println("}")
}

func main() {
	dodot := flag.Bool("dot", false, "emit graphviz instead of checking")
	flag.Parse()
	patterns := flag.Args()
	if len(patterns) == 0 {
		patterns = []string{"kiwi/..."}
	}
	pkgs, err := loadall(patterns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		os.Exit(1)
	}
	g := edges(pkgs)
	if *dodot {
		dot(g)
		return
	}
	if bad := checklayers(g); bad != 0 {
		fmt.Fprintf(os.Stderr, "%d layering violations\n", bad)
		os.Exit(1)
	}
	fmt.Printf("%d packages, layering ok\n", len(g))
}
