package loader

import (
	plugin "github.com/hashicorp/go-plugin"

	"github.com/oasisprotocol/dataloader/go/internal/wire"
)

// deploymentHandshake is the version/magic-cookie pair both sides must
// agree on before a remote node will accept an externally supplied
// updater for a peer-deployed batch. A cross-language port of the
// source's peer-class-loading metadata has no business mirroring
// dynamic class loading (design notes §9); this reduces it to the same
// kind of plain capability negotiation go-plugin uses between a host
// process and its plugins.
var deploymentHandshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "LOADER_DEPLOYMENT",
	MagicCookieValue: "entry-batch-v1",
}

// ClassOriginPredicate reports whether a class name originates from the
// platform's own standard classes rather than user code. The source's
// `cls0 == null || isJdk(cls0)` heuristic does not specify what "JDK
// class" means precisely (classpath origin? package prefix?); rather
// than guess, that judgment is externalized to this predicate.
type ClassOriginPredicate func(className string) bool

// DefaultClassOriginPredicate treats every class name as user code.
func DefaultClassOriginPredicate(string) bool { return false }

// ResolveDeploymentClass picks the deployment class for a batch: an
// explicit override if given, otherwise cls0 unless it is empty or the
// predicate says it is a platform class, in which case no peer
// deployment is attempted.
func ResolveDeploymentClass(explicit, cls0 string, isPlatformClass ClassOriginPredicate) string {
	if explicit != "" {
		return explicit
	}
	if isPlatformClass == nil {
		isPlatformClass = DefaultClassOriginPredicate
	}
	if cls0 == "" || isPlatformClass(cls0) {
		return ""
	}
	return cls0
}

func newDeploymentDescriptor(mode wire.DeploymentMode, className string, userVersion int64, participants []string) *wire.Deployment {
	if className == "" {
		return nil
	}
	return &wire.Deployment{
		Mode:          mode,
		ClassName:     className,
		UserVersion:   userVersion,
		Participants:  participants,
		ClassLoaderID: deploymentHandshake.MagicCookieValue,
	}
}
