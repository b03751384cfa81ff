// Package utils holds the command-line helpers of the scenefinder binary.
package utils

import (
	"fmt"
	"io"
	"strings"

	"scenefinder/config"
)

// Commands lists the subcommands in the order they are documented.
var Commands = []string{"extract", "match", "cluster", "run", "status", "reset-invalid"}

// IsCommand reports whether name is a known subcommand.
func IsCommand(name string) bool {
	for _, c := range Commands {
		if c == name {
			return true
		}
	}
	return false
}

// ParseArguments converts command-line arguments (without the program name)
// into a map of flags and values. The first known subcommand is stored under
// "command"; other positional arguments are ignored.
func ParseArguments(argv []string) map[string]string {
	args := make(map[string]string)

	// First, identify the command
	commandIndex := -1
	for i, a := range argv {
		if IsCommand(a) {
			args["command"] = a
			commandIndex = i
			break
		}
	}

	for i := 0; i < len(argv); i++ {
		if i == commandIndex {
			continue
		}
		arg := argv[i]

		// --key=value
		if strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			name, value, _ := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			args[name] = value
			continue
		}

		// --key value, or a boolean --key
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if i+1 >= len(argv) || strings.HasPrefix(argv[i+1], "--") || i+1 == commandIndex {
				args[name] = "true"
			} else {
				args[name] = argv[i+1]
				i++
			}
		}
	}

	return args
}

// PrintUsage writes the command-line usage instructions to w.
func PrintUsage(w io.Writer, prog string) {
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s <command> [--config=PATH] [--key=value ...]\n", prog)
	fmt.Fprintf(w, "\nCommands:\n")
	fmt.Fprintf(w, "  extract       : Extract features for every image not yet extracted\n")
	fmt.Fprintf(w, "  match         : Compare every pair of extracted images not yet matched\n")
	fmt.Fprintf(w, "  cluster       : Filter stored matches and write scene clusters\n")
	fmt.Fprintf(w, "  run           : extract, match and cluster\n")
	fmt.Fprintf(w, "  status        : Print progress of the work directory\n")
	fmt.Fprintf(w, "  reset-invalid : Forget invalid pairs so the next match retries them\n")
	fmt.Fprintf(w, "\nParameters:\n")
	fmt.Fprintf(w, "  --config         : YAML config file (default: $%sCONFIG or ./scenefinder.yaml)\n", config.EnvPrefix)
	fmt.Fprintf(w, "  --images         : Folder containing the images (default: images)\n")
	fmt.Fprintf(w, "  --recursive      : Include images in subfolders\n")
	fmt.Fprintf(w, "  --work           : Work directory for stores and checkpoint (default: work)\n")
	fmt.Fprintf(w, "  --output         : Results directory (default: results)\n")
	fmt.Fprintf(w, "  --batch-size     : Initial match batch size (default: 16)\n")
	fmt.Fprintf(w, "  --max-pairs      : Cap on the number of pairs, 0 for all\n")
	fmt.Fprintf(w, "  --min-matches    : Minimum match count for a cluster edge (default: 50)\n")
	fmt.Fprintf(w, "  --min-confidence : Minimum confidence for a cluster edge (default: 0.5)\n")
	fmt.Fprintf(w, "  --max-confidence : Maximum confidence for a cluster edge, 0 for none\n")
	fmt.Fprintf(w, "  --logfile        : Log file path (default: stderr)\n")
	fmt.Fprintf(w, "  --debug          : Enable debug logging\n")
	fmt.Fprintf(w, "  --metrics        : Serve prometheus metrics on this address\n")
	fmt.Fprintf(w, "\nEvery configuration key is also accepted in dotted form, for example\n")
	fmt.Fprintf(w, "--match.workers=4, and as an environment variable such as %s.\n", config.EnvName("match.workers"))
	fmt.Fprintf(w, "\nKeys:\n")
	for _, k := range config.Keys() {
		fmt.Fprintf(w, "  %s\n", k)
	}
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  %s run --images=/path/to/frames --work=/tmp/scenes\n", prog)
	fmt.Fprintf(w, "  %s cluster --min-matches=30 --min-confidence=0.4\n", prog)
}
