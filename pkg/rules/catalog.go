// Package rules provides the built-in compliance catalog plus adapters
// for caller-supplied Rego and Starlark rules. Every rule documents its
// policy for values that are only known at deploy time.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/expr"
	"github.com/stacklint/stacklint/pkg/template"
)

// DefaultTagKeys is the mandatory tag set enforced by the default
// catalog. Callers wanting a different set build their own rule with
// RequiredTags.
var DefaultTagKeys = []string{"Owner", "Environment"}

// Builtin returns the built-in catalog in registration order.
func Builtin() []engine.Rule {
	return []engine.Rule{
		UnrestrictedIngress(),
		EncryptionAtRest(),
		RequiredTags(DefaultTagKeys...),
		NoWildcardActions(),
		PublicReadACL(),
	}
}

// NewRegistry returns a registry preloaded with the built-in catalog.
func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	for _, r := range Builtin() {
		reg.MustRegister(r)
	}
	return reg
}

// adminPorts are the remote-administration ports the ingress rule treats
// as sensitive.
var adminPorts = []int{22, 3389}

// UnrestrictedIngress flags security-group ingress rules open to the
// whole internet on an administration port. A source that resolves to a
// deploy-time reference (another security group, a deferred attribute)
// does not trigger; a CIDR that is unknown because a parameter is unbound
// produces an inconclusive finding instead of guessing.
func UnrestrictedIngress() engine.Rule {
	return engine.Rule{
		ID:          "unrestricted-ingress",
		Description: "Security group ingress must not expose administration ports (22, 3389) to 0.0.0.0/0 or ::/0. Unknown CIDR ranges are reported as inconclusive.",
		Severity:    engine.SeverityCritical,
		Kinds:       []template.EntityKind{template.KindResource},
		Matches: func(e *engine.ResolvedEntity) bool {
			return strings.HasSuffix(e.Type, "::SecurityGroup") ||
				strings.HasSuffix(e.Type, "::SecurityGroupIngress")
		},
		Check: func(_ context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
			if strings.HasSuffix(e.Type, "::SecurityGroupIngress") {
				return ingressFindings(e.Value, "")
			}
			var out []engine.Diagnostic
			for i, rule := range expr.Elements(expr.Attr(e.Value, "SecurityGroupIngress")) {
				path := fmt.Sprintf("SecurityGroupIngress[%d]", i)
				out = append(out, ingressFindings(rule, path)...)
			}
			return out
		},
	}
}

func ingressFindings(rule cty.Value, path string) []engine.Diagnostic {
	if !coversAdminPort(rule) {
		return nil
	}
	var out []engine.Diagnostic
	for _, key := range []string{"CidrIp", "CidrIpv6"} {
		cidr := expr.Attr(rule, key)
		if cidr == cty.NilVal || cidr.IsNull() {
			continue
		}
		cidrPath := joinPath(path, key)
		s, ok := expr.AsString(cidr)
		if !ok {
			// A deferred attribute is a reference to another deployed
			// entity, not an open range.
			if expr.IsDeferred(cidr) {
				continue
			}
			out = append(out, engine.Diagnostic{
				Path:         cidrPath,
				Message:      "ingress source range depends on an unbound parameter; open-internet exposure cannot be ruled out",
				Value:        engine.Snapshot(cidr),
				Inconclusive: true,
			})
			continue
		}
		if s == "0.0.0.0/0" || s == "::/0" {
			out = append(out, engine.Diagnostic{
				Path:    cidrPath,
				Message: "ingress rule exposes an administration port to " + s,
				Value:   engine.Snapshot(cidr),
			})
		}
	}
	return out
}

// coversAdminPort reports whether the ingress rule's port range includes
// a sensitive port. An unparseable or absent range is treated as covering
// everything, matching the wire dialect's default.
func coversAdminPort(rule cty.Value) bool {
	if proto, ok := expr.AsString(expr.Attr(rule, "IpProtocol")); ok && proto == "-1" {
		return true
	}
	from, fromOK := asInt(expr.Attr(rule, "FromPort"))
	to, toOK := asInt(expr.Attr(rule, "ToPort"))
	if !fromOK || !toOK {
		return true
	}
	for _, p := range adminPorts {
		if from <= p && p <= to {
			return true
		}
	}
	return false
}

// encryptionChecks maps storage resource types to the property that must
// enable encryption at rest. An empty attribute path means the property
// itself must be present; otherwise the addressed value must be true.
var encryptionChecks = []struct {
	typeSuffix string
	path       []string
	presence   bool
}{
	{"::S3::Bucket", []string{"BucketEncryption"}, true},
	{"::RDS::DBInstance", []string{"StorageEncrypted"}, false},
	{"::RDS::DBCluster", []string{"StorageEncrypted"}, false},
	{"::EC2::Volume", []string{"Encrypted"}, false},
	{"::EFS::FileSystem", []string{"Encrypted"}, false},
	{"::DynamoDB::Table", []string{"SSESpecification", "SSEEnabled"}, false},
}

// EncryptionAtRest flags storage resources without encryption enabled.
// When the encryption configuration is deferred or unknown the rule
// assumes the worst case and fires, marking the finding inconclusive.
func EncryptionAtRest() engine.Rule {
	return engine.Rule{
		ID:          "encryption-at-rest",
		Description: "Storage resources must enable encryption at rest. Unknown encryption configuration is assumed non-compliant (worst case).",
		Severity:    engine.SeverityHigh,
		Kinds:       []template.EntityKind{template.KindResource},
		Matches: func(e *engine.ResolvedEntity) bool {
			return encryptionCheckFor(e.Type) != nil
		},
		Check: func(_ context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
			check := encryptionCheckFor(e.Type)
			v := expr.Path(e.Value, check.path...)
			path := strings.Join(check.path, ".")

			if v == cty.NilVal || v.IsNull() {
				return []engine.Diagnostic{{
					Path:    path,
					Message: "encryption at rest is not configured",
				}}
			}
			if expr.Inconclusive(v) {
				return []engine.Diagnostic{{
					Path:         path,
					Message:      "encryption configuration is only known at deploy time; assuming non-compliant",
					Value:        engine.Snapshot(v),
					Inconclusive: true,
				}}
			}
			if check.presence {
				return nil
			}
			if s, ok := expr.AsString(v); ok && s == "true" {
				return nil
			}
			return []engine.Diagnostic{{
				Path:    path,
				Message: "encryption at rest is disabled",
				Value:   engine.Snapshot(v),
			}}
		},
	}
}

func encryptionCheckFor(resourceType string) *struct {
	typeSuffix string
	path       []string
	presence   bool
} {
	for i := range encryptionChecks {
		if strings.HasSuffix(resourceType, encryptionChecks[i].typeSuffix) {
			return &encryptionChecks[i]
		}
	}
	return nil
}

// taggableSuffixes lists the resource types the tag rule applies to.
// Untaggable types are out of scope rather than permanently flagged.
var taggableSuffixes = []string{
	"::S3::Bucket",
	"::EC2::Instance",
	"::EC2::Volume",
	"::EC2::SecurityGroup",
	"::RDS::DBInstance",
	"::RDS::DBCluster",
	"::DynamoDB::Table",
	"::EFS::FileSystem",
	"::Lambda::Function",
	"::ElasticLoadBalancingV2::LoadBalancer",
}

// RequiredTags flags resources missing any of the mandatory tag keys,
// one diagnostic per missing key.
func RequiredTags(keys ...string) engine.Rule {
	return engine.Rule{
		ID:          "required-tags",
		Description: "Taggable resources must carry the mandatory tag keys: " + strings.Join(keys, ", ") + ".",
		Severity:    engine.SeverityMedium,
		Kinds:       []template.EntityKind{template.KindResource},
		Matches: func(e *engine.ResolvedEntity) bool {
			for _, suffix := range taggableSuffixes {
				if strings.HasSuffix(e.Type, suffix) {
					return true
				}
			}
			return false
		},
		Check: func(_ context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
			tags := expr.Attr(e.Value, "Tags")
			if tags != cty.NilVal && expr.Inconclusive(tags) {
				return []engine.Diagnostic{{
					Path:         "Tags",
					Message:      "tag set is only known at deploy time",
					Inconclusive: true,
				}}
			}
			present := tagKeys(tags)
			var out []engine.Diagnostic
			for _, key := range keys {
				if present[key] {
					continue
				}
				out = append(out, engine.Diagnostic{
					Path:    "Tags." + key,
					Message: "missing mandatory tag " + strconv.Quote(key),
				})
			}
			return out
		},
	}
}

// tagKeys extracts tag keys from either dialect shape: a list of
// {Key, Value} objects or a plain string map.
func tagKeys(tags cty.Value) map[string]bool {
	out := make(map[string]bool)
	if tags == cty.NilVal || tags.IsNull() {
		return out
	}
	if items := expr.Elements(tags); items != nil {
		for _, item := range items {
			if k, ok := expr.AsString(expr.Attr(item, "Key")); ok {
				out[k] = true
			}
		}
		return out
	}
	inner, _ := tags.Unmark()
	if inner.Type().IsObjectType() && inner.IsKnown() {
		for name := range inner.Type().AttributeTypes() {
			out[name] = true
		}
	}
	return out
}

// NoWildcardActions flags identity policy statements that allow every
// action. Deny statements are exempt; a wildcard deny only narrows
// access.
func NoWildcardActions() engine.Rule {
	return engine.Rule{
		ID:          "no-wildcard-actions",
		Description: "Identity policy documents must not allow Action \"*\" or a full service wildcard.",
		Severity:    engine.SeverityCritical,
		Kinds:       []template.EntityKind{template.KindResource},
		Check: func(_ context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
			var out []engine.Diagnostic
			walkValue(e.Value, "", func(path string, v cty.Value) {
				if !isAllowStatement(v) {
					return
				}
				action := expr.Attr(v, "Action")
				for _, a := range actionStrings(action) {
					if a == "*" || strings.HasSuffix(a, ":*") {
						out = append(out, engine.Diagnostic{
							Path:    joinPath(path, "Action"),
							Message: "policy statement allows wildcard action " + strconv.Quote(a),
							Value:   engine.Snapshot(action),
						})
					}
				}
			})
			return out
		},
	}
}

func isAllowStatement(v cty.Value) bool {
	if expr.Attr(v, "Action") == cty.NilVal {
		return false
	}
	effect, ok := expr.AsString(expr.Attr(v, "Effect"))
	return !ok || effect == "Allow"
}

func actionStrings(v cty.Value) []string {
	if s, ok := expr.AsString(v); ok {
		return []string{s}
	}
	var out []string
	for _, item := range expr.Elements(v) {
		if s, ok := expr.AsString(item); ok {
			out = append(out, s)
		}
	}
	return out
}

// publicACLs are the canned ACL names that grant read access to anyone.
var publicACLs = map[string]bool{
	"PublicRead":      true,
	"PublicReadWrite": true,
}

// PublicReadACL flags storage resources whose canned ACL grants public
// read access.
func PublicReadACL() engine.Rule {
	return engine.Rule{
		ID:          "public-read-acl",
		Description: "Storage resources must not use a canned ACL that grants public read access.",
		Severity:    engine.SeverityHigh,
		Kinds:       []template.EntityKind{template.KindResource},
		Matches: func(e *engine.ResolvedEntity) bool {
			return strings.HasSuffix(e.Type, "::S3::Bucket")
		},
		Check: func(_ context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
			acl := expr.Attr(e.Value, "AccessControl")
			if acl == cty.NilVal || acl.IsNull() {
				return nil
			}
			s, ok := expr.AsString(acl)
			if !ok {
				return []engine.Diagnostic{{
					Path:         "AccessControl",
					Message:      "access control list is only known at deploy time",
					Value:        engine.Snapshot(acl),
					Inconclusive: true,
				}}
			}
			if !publicACLs[s] {
				return nil
			}
			return []engine.Diagnostic{{
				Path:    "AccessControl",
				Message: "canned ACL " + strconv.Quote(s) + " grants public read access",
				Value:   engine.Snapshot(acl),
			}}
		},
	}
}

// asInt converts a known numeric or numeric-string value.
func asInt(v cty.Value) (int, bool) {
	s, ok := expr.AsString(v)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// walkValue visits every value in a resolved tree, parents before
// children. Unknown subtrees are visited but not descended into.
func walkValue(v cty.Value, path string, fn func(path string, v cty.Value)) {
	fn(path, v)
	if v == cty.NilVal || v.IsNull() {
		return
	}
	inner, marks := v.Unmark()
	if !inner.IsKnown() {
		return
	}
	ty := inner.Type()
	switch {
	case ty.IsObjectType():
		for name := range ty.AttributeTypes() {
			walkValue(inner.GetAttr(name).WithMarks(marks), joinPath(path, name), fn)
		}
	case ty.IsTupleType() || ty.IsListType():
		i := 0
		for it := inner.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			walkValue(ev.WithMarks(marks), fmt.Sprintf("%s[%d]", path, i), fn)
			i++
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
