package target

import (
	"context"
	"errors"
	"testing"
	"tunnel/internal/config"
	"tunnel/internal/tunnelerr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	ectypes "github.com/aws/aws-sdk-go-v2/service/elasticache/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRDS struct {
	instancePages [][]rdstypes.DBInstance
	clusters      []rdstypes.DBCluster
	err           error
}

func (f *fakeRDS) DescribeDBInstances(_ context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := 0
	if in.Marker != nil {
		page = 1
	}
	out := &rds.DescribeDBInstancesOutput{DBInstances: f.instancePages[page]}
	if page+1 < len(f.instancePages) {
		out.Marker = aws.String("next")
	}
	return out, nil
}

func (f *fakeRDS) DescribeDBClusters(_ context.Context, _ *rds.DescribeDBClustersInput, _ ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rds.DescribeDBClustersOutput{DBClusters: f.clusters}, nil
}

type fakeElastiCache struct {
	groups   []ectypes.ReplicationGroup
	clusters []ectypes.CacheCluster
}

func (f *fakeElastiCache) DescribeReplicationGroups(context.Context, *elasticache.DescribeReplicationGroupsInput, ...func(*elasticache.Options)) (*elasticache.DescribeReplicationGroupsOutput, error) {
	return &elasticache.DescribeReplicationGroupsOutput{ReplicationGroups: f.groups}, nil
}

func (f *fakeElastiCache) DescribeCacheClusters(context.Context, *elasticache.DescribeCacheClustersInput, ...func(*elasticache.Options)) (*elasticache.DescribeCacheClustersOutput, error) {
	return &elasticache.DescribeCacheClustersOutput{CacheClusters: f.clusters}, nil
}

type fakeELB struct {
	lbs       []elbtypes.LoadBalancer
	listeners map[string][]elbtypes.Listener
}

func (f *fakeELB) DescribeLoadBalancers(context.Context, *elbv2.DescribeLoadBalancersInput, ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	return &elbv2.DescribeLoadBalancersOutput{LoadBalancers: f.lbs}, nil
}

func (f *fakeELB) DescribeListeners(_ context.Context, in *elbv2.DescribeListenersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	return &elbv2.DescribeListenersOutput{Listeners: f.listeners[aws.ToString(in.LoadBalancerArn)]}, nil
}

type fakeSTS struct {
	err error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Arn: aws.String("arn:aws:iam::123456789012:user/dev")}, nil
}

func listAll(t *testing.T, src Source) []Target {
	t.Helper()
	var out []Target
	require.NoError(t, src.List(context.Background(), func(tg Target) bool {
		out = append(out, tg)
		return true
	}))
	return out
}

func TestRDSInstanceSource_Pages(t *testing.T) {
	src := &RDSInstanceSource{client: &fakeRDS{instancePages: [][]rdstypes.DBInstance{
		{{
			DBInstanceIdentifier: aws.String("orders"),
			Engine:               aws.String("postgres"),
			EngineVersion:        aws.String("16.3"),
			DBInstanceStatus:     aws.String("available"),
			Endpoint:             &rdstypes.Endpoint{Address: aws.String("orders.abc.eu-central-1.rds.amazonaws.com"), Port: aws.Int32(5432)},
		}},
		{
			{DBInstanceIdentifier: aws.String("creating"), Engine: aws.String("mysql")},
			{
				DBInstanceIdentifier: aws.String("shop"),
				Engine:               aws.String("mariadb"),
				Endpoint:             &rdstypes.Endpoint{Address: aws.String("shop.abc.rds.amazonaws.com"), Port: aws.Int32(3306)},
			},
		},
	}}}

	got := listAll(t, src)
	require.Len(t, got, 2, "instances without an endpoint are skipped")
	assert.Equal(t, "rds/orders", got[0].ID)
	assert.Equal(t, ProtocolPostgres, got[0].Protocol)
	assert.Equal(t, 5432, got[0].RemotePort)
	assert.Equal(t, "rds/shop", got[1].ID)
	assert.Equal(t, ProtocolMySQL, got[1].Protocol)
}

func TestRDSClusterSource_WriterAndReader(t *testing.T) {
	src := &RDSClusterSource{client: &fakeRDS{clusters: []rdstypes.DBCluster{{
		DBClusterIdentifier: aws.String("ledger"),
		Engine:              aws.String("aurora-postgresql"),
		Endpoint:            aws.String("ledger.cluster-abc.rds.amazonaws.com"),
		ReaderEndpoint:      aws.String("ledger.cluster-ro-abc.rds.amazonaws.com"),
		Port:                aws.Int32(5432),
	}}}}

	got := listAll(t, src)
	require.Len(t, got, 2)
	assert.Equal(t, "rds-cluster/ledger", got[0].ID)
	assert.Equal(t, "rds-cluster/ledger-ro", got[1].ID)
	assert.Equal(t, "ledger.cluster-ro-abc.rds.amazonaws.com", got[1].RemoteHost)
}

func TestElastiCacheSource(t *testing.T) {
	src := &ElastiCacheSource{client: &fakeElastiCache{
		groups: []ectypes.ReplicationGroup{
			{
				ReplicationGroupId: aws.String("sessions"),
				NodeGroups: []ectypes.NodeGroup{{
					PrimaryEndpoint: &ectypes.Endpoint{Address: aws.String("sessions.abc.cache.amazonaws.com"), Port: aws.Int32(6379)},
				}},
			},
			{
				ReplicationGroupId:    aws.String("clustered"),
				ConfigurationEndpoint: &ectypes.Endpoint{Address: aws.String("clustercfg.abc.cache.amazonaws.com"), Port: aws.Int32(6379)},
			},
		},
		clusters: []ectypes.CacheCluster{
			{CacheClusterId: aws.String("sessions-001"), Engine: aws.String("redis")},
			{
				CacheClusterId:        aws.String("pages"),
				Engine:                aws.String("memcached"),
				ConfigurationEndpoint: &ectypes.Endpoint{Address: aws.String("pages.cfg.cache.amazonaws.com"), Port: aws.Int32(11211)},
			},
		},
	}}

	got := listAll(t, src)
	require.Len(t, got, 3)
	assert.Equal(t, "elasticache/sessions", got[0].ID)
	assert.Equal(t, ProtocolRedis, got[0].Protocol)
	assert.Equal(t, "clustercfg.abc.cache.amazonaws.com", got[1].RemoteHost)
	assert.Equal(t, "elasticache/pages", got[2].ID)
	assert.Equal(t, ProtocolMemcached, got[2].Protocol)
}

func TestLoadBalancerSource_InternalOnly(t *testing.T) {
	src := &LoadBalancerSource{client: &fakeELB{
		lbs: []elbtypes.LoadBalancer{
			{LoadBalancerName: aws.String("public"), LoadBalancerArn: aws.String("arn:public"), Scheme: elbtypes.LoadBalancerSchemeEnumInternetFacing},
			{LoadBalancerName: aws.String("api"), LoadBalancerArn: aws.String("arn:api"), Scheme: elbtypes.LoadBalancerSchemeEnumInternal, DNSName: aws.String("internal-api.elb.amazonaws.com"), Type: elbtypes.LoadBalancerTypeEnumApplication},
		},
		listeners: map[string][]elbtypes.Listener{
			"arn:public": {{Port: aws.Int32(443), Protocol: elbtypes.ProtocolEnumHttps}},
			"arn:api": {
				{Port: aws.Int32(443), Protocol: elbtypes.ProtocolEnumHttps},
				{Port: aws.Int32(53), Protocol: elbtypes.ProtocolEnumUdp},
			},
		},
	}}

	got := listAll(t, src)
	require.Len(t, got, 1)
	assert.Equal(t, "elb/api:443", got[0].ID)
	assert.Equal(t, ProtocolHTTPS, got[0].Protocol)
	assert.Equal(t, "internal-api.elb.amazonaws.com", got[0].RemoteHost)
}

func TestSource_StopsWhenYieldReturnsFalse(t *testing.T) {
	src := &RDSClusterSource{client: &fakeRDS{clusters: []rdstypes.DBCluster{{
		DBClusterIdentifier: aws.String("ledger"),
		Endpoint:            aws.String("w"),
		ReaderEndpoint:      aws.String("r"),
		Port:                aws.Int32(5432),
	}}}}
	calls := 0
	require.NoError(t, src.List(context.Background(), func(Target) bool {
		calls++
		return false
	}))
	assert.Equal(t, 1, calls)
}

func TestClassifyAWSError(t *testing.T) {
	expired := &smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"}
	throttled := &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}

	assert.True(t, tunnelerr.IsAuth(classifyAWSError("op", expired)))
	assert.True(t, tunnelerr.IsLookup(classifyAWSError("op", throttled)))
	assert.True(t, tunnelerr.IsAuth(classifyAWSError("op", errors.New("failed to retrieve credentials: no profile"))))
	assert.NoError(t, classifyAWSError("op", nil))

	src := &RDSInstanceSource{client: &fakeRDS{err: expired}}
	err := src.List(context.Background(), func(Target) bool { return true })
	assert.True(t, tunnelerr.IsAuth(err))
	var apiErr smithy.APIError
	assert.True(t, errors.As(err, &apiErr), "cause stays reachable")
}

func TestVerifyIdentity(t *testing.T) {
	arn, err := VerifyIdentity(context.Background(), &fakeSTS{})
	require.NoError(t, err)
	assert.Contains(t, arn, "user/dev")

	_, err = VerifyIdentity(context.Background(), &fakeSTS{err: errors.New("dial tcp: no route")})
	assert.True(t, tunnelerr.IsAuth(err))
}

func TestNewAWSSources(t *testing.T) {
	cfg := aws.Config{Region: "eu-central-1"}
	sources := NewAWSSources(cfg, []string{config.SourceRDS, config.SourceELB, "bogus"})
	require.Len(t, sources, 2)
	assert.Equal(t, config.SourceRDS, sources[0].Name())
	assert.Equal(t, config.SourceELB, sources[1].Name())
}
