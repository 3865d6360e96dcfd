package ecsclient_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/openfroyo/deploycore/pkg/ecsclient"
	"github.com/openfroyo/deploycore/pkg/engine"
)

const assumeRoleResponse = `<AssumeRoleResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleResult>
    <Credentials>
      <AccessKeyId>ASIAROLE</AccessKeyId>
      <SecretAccessKey>role-secret</SecretAccessKey>
      <SessionToken>role-token</SessionToken>
      <Expiration>2099-01-01T00:00:00Z</Expiration>
    </Credentials>
    <AssumedRoleUser>
      <Arn>arn:aws:sts::123456789012:assumed-role/deployer/agent</Arn>
      <AssumedRoleId>AROAEXAMPLE:agent</AssumedRoleId>
    </AssumedRoleUser>
  </AssumeRoleResult>
  <ResponseMetadata><RequestId>req-1</RequestId></ResponseMetadata>
</AssumeRoleResponse>`

// fakeAWS answers the ECS and Application Auto Scaling JSON protocols and the STS query
// protocol. Every mutating target is throttled.
type fakeAWS struct {
	srv    *httptest.Server
	closed atomic.Int32

	mu    sync.Mutex
	calls map[string]int
	auth  map[string]string
	roles []url.Values
}

func newFakeAWS(t *testing.T) *fakeAWS {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))
	t.Setenv("AWS_PROFILE", "")

	f := &fakeAWS{calls: map[string]int{}, auth: map[string]string{}}
	f.srv = httptest.NewUnstartedServer(http.HandlerFunc(f.serve))
	f.srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed {
			f.closed.Add(1)
		}
	}
	f.srv.Start()
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAWS) serve(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get("X-Amz-Target")
	if target == "" {
		_ = r.ParseForm()
		f.mu.Lock()
		f.calls[r.Form.Get("Action")]++
		f.roles = append(f.roles, r.Form)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, assumeRoleResponse)
		return
	}

	op := target[strings.LastIndex(target, ".")+1:]
	_, _ = io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.calls[op]++
	f.auth[op] = r.Header.Get("Authorization")
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	if op == "DescribeServices" {
		_, _ = io.WriteString(w, `{"services":[{"serviceName":"web","status":"ACTIVE","desiredCount":2,"runningCount":2}],"failures":[]}`)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
	_, _ = io.WriteString(w, `{"__type":"ThrottlingException","message":"Rate exceeded"}`)
}

func (f *fakeAWS) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAWS) authFor(op string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[op]
}

func (f *fakeAWS) infra() engine.InfraConfig {
	return engine.InfraConfig{
		Kind:     "ECS",
		Cluster:  "prod",
		Region:   "us-west-2",
		Endpoint: f.srv.URL,
		InfraKey: "prod-ecs",
		Credentials: engine.AwsCredentials{
			AccessKeyID:     "AKIDSTATIC",
			SecretAccessKey: "static-secret",
		},
	}
}

func newAWSClient() *ecsclient.Client {
	return ecsclient.NewClient(&ecsclient.AWSSessionFactory{HTTPTimeout: 5 * time.Second}, ecsclient.ClientConfig{})
}

func TestAWSSessionFactory_MutatingCallsSentOnce(t *testing.T) {
	f := newFakeAWS(t)
	c := newAWSClient()
	ctx := context.Background()

	_, err := c.CreateService(ctx, f.infra(), &ecs.CreateServiceInput{ServiceName: aws.String("web"), Cluster: aws.String("prod")})
	if !engine.IsTransient(err) {
		t.Fatalf("Expected transient error for throttled create, got %v", err)
	}
	if n := f.count("CreateService"); n != 1 {
		t.Fatalf("Expected CreateService sent exactly once, got %d", n)
	}

	err = c.AttachScalingPolicy(ctx, f.infra(), &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:        aws.String("cpu"),
		ResourceId:        aws.String("service/prod/web"),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
	})
	if err == nil {
		t.Fatal("Expected throttled scaling policy error")
	}
	if n := f.count("PutScalingPolicy"); n != 1 {
		t.Fatalf("Expected PutScalingPolicy sent exactly once, got %d", n)
	}

	auth := f.authFor("CreateService")
	if !strings.Contains(auth, "Credential=AKIDSTATIC/") || !strings.Contains(auth, "/us-west-2/ecs/aws4_request") {
		t.Errorf("Expected request signed with static keys for us-west-2, got %q", auth)
	}
}

func TestAWSSessionFactory_AssumesRole(t *testing.T) {
	f := newFakeAWS(t)
	c := newAWSClient()

	infra := f.infra()
	infra.Credentials.RoleARN = "arn:aws:iam::123456789012:role/deployer"
	infra.Credentials.ExternalID = "ext-1"

	svc, err := c.DescribeService(context.Background(), infra, "web")
	if err != nil {
		t.Fatalf("DescribeService failed: %v", err)
	}
	if svc == nil || aws.ToString(svc.ServiceName) != "web" {
		t.Fatalf("Expected service web, got %+v", svc)
	}

	if n := f.count("AssumeRole"); n != 1 {
		t.Fatalf("Expected one AssumeRole call, got %d", n)
	}
	form := f.roles[0]
	if form.Get("RoleArn") != infra.Credentials.RoleARN || form.Get("ExternalId") != "ext-1" {
		t.Errorf("Expected role arn and external id in AssumeRole, got %v", form)
	}
	if auth := f.authFor("DescribeServices"); !strings.Contains(auth, "Credential=ASIAROLE/") {
		t.Errorf("Expected request signed with assumed role keys, got %q", auth)
	}
}

func TestAWSSessionFactory_ReleasesConnections(t *testing.T) {
	f := newFakeAWS(t)
	factory := &ecsclient.AWSSessionFactory{HTTPTimeout: 5 * time.Second}

	sess, err := factory.Open(context.Background(), f.infra())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := sess.ECS.DescribeServices(context.Background(), &ecs.DescribeServicesInput{
		Cluster:  aws.String("prod"),
		Services: []string{"web"},
	}); err != nil {
		t.Fatalf("DescribeServices failed: %v", err)
	}
	sess.Close()
	sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.closed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the session's connection to be closed after release")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
