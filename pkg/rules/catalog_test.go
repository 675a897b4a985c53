package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/template"
)

func runRule(t *testing.T, rule engine.Rule, src string, bindings map[string]interface{}) []engine.Diagnostic {
	t.Helper()
	tpl, err := template.NewParser().Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := engine.NewRegistry()
	reg.MustRegister(rule)
	result, err := engine.Evaluate(context.Background(), tpl, reg, engine.Options{Bindings: bindings})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var out []engine.Diagnostic
	for _, d := range result.Diagnostics {
		if d.RuleID == rule.ID {
			out = append(out, d)
		}
	}
	return out
}

func TestBuiltinCatalog(t *testing.T) {
	rules := Builtin()
	ids := make(map[string]bool)
	for _, r := range rules {
		if ids[r.ID] {
			t.Errorf("duplicate rule id %q", r.ID)
		}
		ids[r.ID] = true
		if r.Description == "" {
			t.Errorf("rule %s has no description", r.ID)
		}
	}
	if got := NewRegistry().Len(); got != len(rules) {
		t.Errorf("registry has %d rules, want %d", got, len(rules))
	}
}

func TestUnrestrictedIngressOpenAdminPort(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Resources:
  Web:
    Type: AWS::EC2::SecurityGroup
    Properties:
      GroupDescription: web
      SecurityGroupIngress:
        - IpProtocol: tcp
          FromPort: 80
          ToPort: 80
          CidrIp: 0.0.0.0/0
        - IpProtocol: tcp
          FromPort: 22
          ToPort: 22
          CidrIp: 0.0.0.0/0
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	d := diags[0]
	if d.Path != "SecurityGroupIngress[1].CidrIp" {
		t.Errorf("path = %q", d.Path)
	}
	if d.Severity != engine.SeverityCritical {
		t.Errorf("severity = %q", d.Severity)
	}
	if d.Inconclusive {
		t.Error("finding should be conclusive")
	}
}

func TestUnrestrictedIngressAllProtocols(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Resources:
  Open:
    Type: AWS::EC2::SecurityGroup
    Properties:
      SecurityGroupIngress:
        - IpProtocol: "-1"
          CidrIpv6: ::/0
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !strings.Contains(diags[0].Message, "::/0") {
		t.Errorf("message = %q", diags[0].Message)
	}
}

func TestUnrestrictedIngressGroupSource(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Resources:
  Peer:
    Type: AWS::EC2::SecurityGroup
    Properties:
      GroupDescription: peer
  App:
    Type: AWS::EC2::SecurityGroup
    Properties:
      SecurityGroupIngress:
        - IpProtocol: tcp
          FromPort: 22
          ToPort: 22
          SourceSecurityGroupId: !Ref Peer
`, nil)
	if len(diags) != 0 {
		t.Fatalf("group-sourced ingress should not fire: %v", diags)
	}
}

func TestUnrestrictedIngressDeferredCidr(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Resources:
  Peer:
    Type: AWS::EC2::SecurityGroup
    Properties:
      GroupDescription: peer
  App:
    Type: AWS::EC2::SecurityGroup
    Properties:
      SecurityGroupIngress:
        - IpProtocol: tcp
          FromPort: 22
          ToPort: 22
          CidrIp: !GetAtt Peer.GroupId
`, nil)
	if len(diags) != 0 {
		t.Fatalf("deferred source should not fire: %v", diags)
	}
}

func TestUnrestrictedIngressUnknownCidr(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Parameters:
  OpenRange:
    Type: String
Resources:
  App:
    Type: AWS::EC2::SecurityGroup
    Properties:
      SecurityGroupIngress:
        - IpProtocol: tcp
          FromPort: 22
          ToPort: 22
          CidrIp: !Ref OpenRange
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !diags[0].Inconclusive {
		t.Error("unknown range should be inconclusive")
	}
}

func TestUnrestrictedIngressStandaloneResource(t *testing.T) {
	diags := runRule(t, UnrestrictedIngress(), `
Resources:
  Rdp:
    Type: AWS::EC2::SecurityGroupIngress
    Properties:
      IpProtocol: tcp
      FromPort: 3389
      ToPort: 3389
      CidrIp: 0.0.0.0/0
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if diags[0].Path != "CidrIp" {
		t.Errorf("path = %q", diags[0].Path)
	}
}

func TestEncryptionAtRest(t *testing.T) {
	cases := []struct {
		name         string
		src          string
		bindings     map[string]interface{}
		findings     int
		inconclusive bool
	}{
		{
			name: "bucket without encryption",
			src: `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: data
`,
			findings: 1,
		},
		{
			name: "bucket with encryption",
			src: `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      BucketEncryption:
        ServerSideEncryptionConfiguration:
          - ServerSideEncryptionByDefault:
              SSEAlgorithm: AES256
`,
			findings: 0,
		},
		{
			name: "database unencrypted",
			src: `
Resources:
  Db:
    Type: AWS::RDS::DBInstance
    Properties:
      StorageEncrypted: false
`,
			findings: 1,
		},
		{
			name: "database encrypted",
			src: `
Resources:
  Db:
    Type: AWS::RDS::DBInstance
    Properties:
      StorageEncrypted: true
`,
			findings: 0,
		},
		{
			name: "encryption flag unknown",
			src: `
Parameters:
  Encrypt:
    Type: String
Resources:
  Db:
    Type: AWS::RDS::DBInstance
    Properties:
      StorageEncrypted: !Ref Encrypt
`,
			findings:     1,
			inconclusive: true,
		},
		{
			name: "table with sse",
			src: `
Resources:
  Events:
    Type: AWS::DynamoDB::Table
    Properties:
      SSESpecification:
        SSEEnabled: true
`,
			findings: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diags := runRule(t, EncryptionAtRest(), tc.src, tc.bindings)
			if len(diags) != tc.findings {
				t.Fatalf("want %d findings, got %d: %v", tc.findings, len(diags), diags)
			}
			if tc.findings > 0 && diags[0].Inconclusive != tc.inconclusive {
				t.Errorf("inconclusive = %v, want %v", diags[0].Inconclusive, tc.inconclusive)
			}
		})
	}
}

func TestRequiredTagsMissingKey(t *testing.T) {
	diags := runRule(t, RequiredTags("Owner", "Environment"), `
Resources:
  Host:
    Type: AWS::EC2::Instance
    Properties:
      Tags:
        - Key: Owner
          Value: platform
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !strings.Contains(diags[0].Message, "Environment") {
		t.Errorf("message = %q", diags[0].Message)
	}
	if diags[0].Path != "Tags.Environment" {
		t.Errorf("path = %q, want %q", diags[0].Path, "Tags.Environment")
	}
}

func TestRequiredTagsOneDiagnosticPerMissingKey(t *testing.T) {
	diags := runRule(t, RequiredTags("CostCenter", "Environment", "Owner", "Service", "Team"), `
Resources:
  Host:
    Type: AWS::EC2::Instance
    Properties:
      Tags:
        - Key: Owner
          Value: platform
`, nil)
	if len(diags) != 4 {
		t.Fatalf("want 4 findings, got %d: %v", len(diags), diags)
	}
	wantPaths := []string{"Tags.CostCenter", "Tags.Environment", "Tags.Service", "Tags.Team"}
	for i, want := range wantPaths {
		if diags[i].Path != want {
			t.Errorf("diags[%d].Path = %q, want %q", i, diags[i].Path, want)
		}
		key := strings.TrimPrefix(want, "Tags.")
		if !strings.Contains(diags[i].Message, key) {
			t.Errorf("diags[%d].Message = %q, want mention of %q", i, diags[i].Message, key)
		}
	}
}

func TestRequiredTagsMapShape(t *testing.T) {
	diags := runRule(t, RequiredTags("Owner", "Environment"), `
Resources:
  Fn:
    Type: AWS::Lambda::Function
    Properties:
      Tags:
        Owner: platform
        Environment: prod
`, nil)
	if len(diags) != 0 {
		t.Fatalf("all keys present, got: %v", diags)
	}
}

func TestRequiredTagsUntaggableTypeExempt(t *testing.T) {
	diags := runRule(t, RequiredTags("Owner"), `
Resources:
  Rule:
    Type: AWS::EC2::SecurityGroupIngress
    Properties:
      IpProtocol: tcp
`, nil)
	if len(diags) != 0 {
		t.Fatalf("untaggable type should be out of scope: %v", diags)
	}
}

func TestRequiredTagsUnknownTagSet(t *testing.T) {
	diags := runRule(t, RequiredTags("Owner"), `
Parameters:
  TagJSON:
    Type: String
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      Tags: !Ref TagJSON
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !diags[0].Inconclusive {
		t.Error("unknown tag set should be inconclusive")
	}
}

func TestNoWildcardActions(t *testing.T) {
	diags := runRule(t, NoWildcardActions(), `
Resources:
  Worker:
    Type: AWS::IAM::Role
    Properties:
      Policies:
        - PolicyName: worker
          PolicyDocument:
            Statement:
              - Effect: Allow
                Action: "*"
                Resource: "*"
              - Effect: Deny
                Action: "*"
                Resource: "*"
              - Effect: Allow
                Action:
                  - s3:GetObject
                  - s3:*
                Resource: "*"
`, nil)
	if len(diags) != 2 {
		t.Fatalf("want 2 findings, got %d: %v", len(diags), diags)
	}
	for _, d := range diags {
		if !strings.Contains(d.Path, "Statement[") || !strings.HasSuffix(d.Path, ".Action") {
			t.Errorf("path = %q", d.Path)
		}
		if strings.Contains(d.Path, "Statement[1]") {
			t.Errorf("deny statement flagged: %q", d.Path)
		}
	}
}

func TestPublicReadACL(t *testing.T) {
	cases := []struct {
		name         string
		acl          string
		findings     int
		inconclusive bool
	}{
		{name: "public read", acl: "PublicRead", findings: 1},
		{name: "public read write", acl: "PublicReadWrite", findings: 1},
		{name: "private", acl: "Private", findings: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diags := runRule(t, PublicReadACL(), `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      AccessControl: `+tc.acl+`
`, nil)
			if len(diags) != tc.findings {
				t.Fatalf("want %d findings, got %d: %v", tc.findings, len(diags), diags)
			}
		})
	}
}

func TestPublicReadACLUnknown(t *testing.T) {
	diags := runRule(t, PublicReadACL(), `
Parameters:
  ACL:
    Type: String
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      AccessControl: !Ref ACL
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !diags[0].Inconclusive {
		t.Error("unknown ACL should be inconclusive")
	}
}
