package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"tunnel/internal/config"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// authErrorCodes are AWS API error codes that mean the caller's credentials are
// missing, expired or not allowed to perform the call.
var authErrorCodes = map[string]bool{
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"SignatureDoesNotMatch":       true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidSignatureException":   true,
}

// classifyAWSError turns an SDK error into an AuthError or LookupError.
func classifyAWSError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && authErrorCodes[apiErr.ErrorCode()] {
		return tunnelerr.Auth(op, err)
	}
	// credential providers fail before any API call is made
	if strings.Contains(err.Error(), "failed to retrieve credentials") ||
		strings.Contains(err.Error(), "failed to refresh cached credentials") {
		return tunnelerr.Auth(op, err)
	}
	return tunnelerr.Lookup(op, err)
}

// LoadAWSConfig reads the shared AWS configuration once. An assume-role ARN wraps the
// resolved credentials in an STS assume-role provider.
func LoadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, tunnelerr.Auth("load aws config", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, tunnelerr.Auth("load aws config", fmt.Errorf("no AWS region configured (set aws.region, --region or AWS_REGION)"))
	}
	if c.AssumeRoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), c.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "tunnel"
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// CallerIdentityAPI is the part of the STS client used to verify credentials.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// VerifyIdentity confirms the credentials are usable and returns the caller ARN.
func VerifyIdentity(ctx context.Context, client CallerIdentityAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		cerr := classifyAWSError("verify aws identity", err)
		if tunnelerr.IsLookup(cerr) {
			// STS is the first call we make; any failure here is a credentials problem
			return "", tunnelerr.Auth("verify aws identity", err)
		}
		return "", cerr
	}
	return aws.ToString(out.Arn), nil
}

// NewAWSSources builds the enabled AWS discovery sources from one shared aws.Config.
func NewAWSSources(cfg aws.Config, enabled []string) []Source {
	var sources []Source
	for _, name := range enabled {
		switch name {
		case config.SourceRDS:
			sources = append(sources, &RDSInstanceSource{client: rds.NewFromConfig(cfg)})
		case config.SourceRDSCluster:
			sources = append(sources, &RDSClusterSource{client: rds.NewFromConfig(cfg)})
		case config.SourceElastiCache:
			sources = append(sources, &ElastiCacheSource{client: elasticache.NewFromConfig(cfg)})
		case config.SourceELB:
			sources = append(sources, &LoadBalancerSource{client: elbv2.NewFromConfig(cfg)})
		default:
			logging.Warn("Resolver", "Ignoring unknown source %q", name)
		}
	}
	return sources
}

// RDSInstanceSource lists RDS DB instances.
type RDSInstanceSource struct {
	client rds.DescribeDBInstancesAPIClient
}

func (s *RDSInstanceSource) Name() string { return config.SourceRDS }

func (s *RDSInstanceSource) List(ctx context.Context, yield func(Target) bool) error {
	p := rds.NewDescribeDBInstancesPaginator(s.client, &rds.DescribeDBInstancesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classifyAWSError("describe db instances", err)
		}
		for _, db := range page.DBInstances {
			if db.Endpoint == nil || aws.ToString(db.Endpoint.Address) == "" {
				continue
			}
			id := aws.ToString(db.DBInstanceIdentifier)
			engine := aws.ToString(db.Engine)
			if !yield(Target{
				ID:          config.SourceRDS + "/" + id,
				DisplayName: id,
				Protocol:    protocolForEngine(engine),
				RemoteHost:  aws.ToString(db.Endpoint.Address),
				RemotePort:  int(aws.ToInt32(db.Endpoint.Port)),
				Source:      config.SourceRDS,
				Description: fmt.Sprintf("%s %s (%s)", engine, aws.ToString(db.EngineVersion), aws.ToString(db.DBInstanceStatus)),
			}) {
				return nil
			}
		}
	}
	return nil
}

// RDSClusterSource lists Aurora clusters, one target for the writer endpoint and one
// for the reader endpoint when present.
type RDSClusterSource struct {
	client rds.DescribeDBClustersAPIClient
}

func (s *RDSClusterSource) Name() string { return config.SourceRDSCluster }

func (s *RDSClusterSource) List(ctx context.Context, yield func(Target) bool) error {
	p := rds.NewDescribeDBClustersPaginator(s.client, &rds.DescribeDBClustersInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classifyAWSError("describe db clusters", err)
		}
		for _, c := range page.DBClusters {
			id := aws.ToString(c.DBClusterIdentifier)
			engine := aws.ToString(c.Engine)
			port := int(aws.ToInt32(c.Port))
			desc := fmt.Sprintf("%s %s (%s)", engine, aws.ToString(c.EngineVersion), aws.ToString(c.Status))
			endpoints := []struct{ suffix, host string }{
				{"", aws.ToString(c.Endpoint)},
				{"-ro", aws.ToString(c.ReaderEndpoint)},
			}
			for _, ep := range endpoints {
				if ep.host == "" {
					continue
				}
				if !yield(Target{
					ID:          config.SourceRDSCluster + "/" + id + ep.suffix,
					DisplayName: id + ep.suffix,
					Protocol:    protocolForEngine(engine),
					RemoteHost:  ep.host,
					RemotePort:  port,
					Source:      config.SourceRDSCluster,
					Description: desc,
				}) {
					return nil
				}
			}
		}
	}
	return nil
}

// ElastiCacheAPI is the part of the ElastiCache client used for discovery.
type ElastiCacheAPI interface {
	elasticache.DescribeReplicationGroupsAPIClient
	elasticache.DescribeCacheClustersAPIClient
}

// ElastiCacheSource lists Redis/Valkey replication groups and memcached clusters.
type ElastiCacheSource struct {
	client ElastiCacheAPI
}

func (s *ElastiCacheSource) Name() string { return config.SourceElastiCache }

func (s *ElastiCacheSource) List(ctx context.Context, yield func(Target) bool) error {
	rg := elasticache.NewDescribeReplicationGroupsPaginator(s.client, &elasticache.DescribeReplicationGroupsInput{})
	for rg.HasMorePages() {
		page, err := rg.NextPage(ctx)
		if err != nil {
			return classifyAWSError("describe replication groups", err)
		}
		for _, g := range page.ReplicationGroups {
			ep := g.ConfigurationEndpoint
			if ep == nil {
				for _, ng := range g.NodeGroups {
					if ng.PrimaryEndpoint != nil {
						ep = ng.PrimaryEndpoint
						break
					}
				}
			}
			if ep == nil || aws.ToString(ep.Address) == "" {
				continue
			}
			id := aws.ToString(g.ReplicationGroupId)
			desc := aws.ToString(g.Description)
			if desc == "" {
				desc = "replication group"
			}
			if !yield(Target{
				ID:          config.SourceElastiCache + "/" + id,
				DisplayName: id,
				Protocol:    ProtocolRedis,
				RemoteHost:  aws.ToString(ep.Address),
				RemotePort:  int(aws.ToInt32(ep.Port)),
				Source:      config.SourceElastiCache,
				Description: fmt.Sprintf("%s (%s)", desc, aws.ToString(g.Status)),
			}) {
				return nil
			}
		}
	}

	cc := elasticache.NewDescribeCacheClustersPaginator(s.client, &elasticache.DescribeCacheClustersInput{})
	for cc.HasMorePages() {
		page, err := cc.NextPage(ctx)
		if err != nil {
			return classifyAWSError("describe cache clusters", err)
		}
		for _, c := range page.CacheClusters {
			// redis members are covered by their replication group
			if !strings.EqualFold(aws.ToString(c.Engine), "memcached") || c.ConfigurationEndpoint == nil {
				continue
			}
			id := aws.ToString(c.CacheClusterId)
			if !yield(Target{
				ID:          config.SourceElastiCache + "/" + id,
				DisplayName: id,
				Protocol:    ProtocolMemcached,
				RemoteHost:  aws.ToString(c.ConfigurationEndpoint.Address),
				RemotePort:  int(aws.ToInt32(c.ConfigurationEndpoint.Port)),
				Source:      config.SourceElastiCache,
				Description: fmt.Sprintf("memcached %s (%s)", aws.ToString(c.EngineVersion), aws.ToString(c.CacheClusterStatus)),
			}) {
				return nil
			}
		}
	}
	return nil
}

// LoadBalancerAPI is the part of the ELBv2 client used for discovery.
type LoadBalancerAPI interface {
	elbv2.DescribeLoadBalancersAPIClient
	elbv2.DescribeListenersAPIClient
}

// LoadBalancerSource lists internal load balancers, one target per TCP-based listener.
type LoadBalancerSource struct {
	client LoadBalancerAPI
}

func (s *LoadBalancerSource) Name() string { return config.SourceELB }

func (s *LoadBalancerSource) List(ctx context.Context, yield func(Target) bool) error {
	p := elbv2.NewDescribeLoadBalancersPaginator(s.client, &elbv2.DescribeLoadBalancersInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classifyAWSError("describe load balancers", err)
		}
		for _, lb := range page.LoadBalancers {
			if !strings.EqualFold(string(lb.Scheme), "internal") {
				continue
			}
			name := aws.ToString(lb.LoadBalancerName)
			lp := elbv2.NewDescribeListenersPaginator(s.client, &elbv2.DescribeListenersInput{LoadBalancerArn: lb.LoadBalancerArn})
			for lp.HasMorePages() {
				lpage, err := lp.NextPage(ctx)
				if err != nil {
					return classifyAWSError("describe listeners for "+name, err)
				}
				for _, l := range lpage.Listeners {
					proto, ok := listenerProtocol(string(l.Protocol))
					if !ok {
						continue
					}
					port := int(aws.ToInt32(l.Port))
					display := fmt.Sprintf("%s:%d", name, port)
					if !yield(Target{
						ID:          config.SourceELB + "/" + display,
						DisplayName: display,
						Protocol:    proto,
						RemoteHost:  aws.ToString(lb.DNSName),
						RemotePort:  port,
						Source:      config.SourceELB,
						Description: fmt.Sprintf("internal %s load balancer, %s listener", lb.Type, l.Protocol),
					}) {
						return nil
					}
				}
			}
		}
	}
	return nil
}

// listenerProtocol maps ELB listener protocols to target protocols; UDP-based
// listeners cannot be relayed.
func listenerProtocol(p string) (Protocol, bool) {
	switch strings.ToUpper(p) {
	case "HTTP":
		return ProtocolHTTP, true
	case "HTTPS":
		return ProtocolHTTPS, true
	case "TCP", "TLS":
		return ProtocolTCP, true
	default:
		return "", false
	}
}
