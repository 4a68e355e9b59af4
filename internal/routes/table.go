package routes

import (
	"context"
	"fmt"
	"strings"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// Path maps one HTTP path prefix to a service port.
type Path struct {
	Path string
	Port int32
}

// Route is one subdomain rule of the external route table.
type Route struct {
	Subdomain string
	Service   string
	Paths     []Path
}

// Table maintains the shared Ingress that routes session subdomains to their
// internal services. Every mutation rewrites the full rule set; a conflict
// retry loop on the resource version keeps concurrent writers from silently
// clobbering each other.
type Table struct {
	client      kubernetes.Interface
	namespace   string
	ingressName string
	hostDomain  string
}

func NewTable(client kubernetes.Interface, namespace, ingressName, hostDomain string) *Table {
	return &Table{
		client:      client,
		namespace:   namespace,
		ingressName: ingressName,
		hostDomain:  hostDomain,
	}
}

// Host returns the externally routable host for a subdomain.
func (t *Table) Host(subdomain string) string {
	return fmt.Sprintf("%s.%s", subdomain, t.hostDomain)
}

// AddRoute inserts (or replaces) the rule for subdomain. Paths are kept in
// the given order; callers put the web UI path first.
func (t *Table) AddRoute(ctx context.Context, subdomain, serviceName string, paths []Path) error {
	host := t.Host(subdomain)
	rule := ingressRule(host, serviceName, paths)
	ingresses := t.client.NetworkingV1().Ingresses(t.namespace)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ingress, err := ingresses.Get(ctx, t.ingressName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			ingress = &networkingv1.Ingress{
				ObjectMeta: metav1.ObjectMeta{
					Name:      t.ingressName,
					Namespace: t.namespace,
					Labels: map[string]string{
						"app":       "playground",
						"component": "routes",
					},
				},
				Spec: networkingv1.IngressSpec{
					Rules: []networkingv1.IngressRule{rule},
				},
			}
			_, err = ingresses.Create(ctx, ingress, metav1.CreateOptions{})
			if err != nil {
				return fmt.Errorf("failed to create ingress %s: %w", t.ingressName, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch ingress %s: %w", t.ingressName, err)
		}

		// At most one rule per subdomain: drop any stale rule for this host
		// before appending the new one.
		rules := removeHost(ingress.Spec.Rules, host)
		ingress.Spec.Rules = append(rules, rule)

		_, err = ingresses.Update(ctx, ingress, metav1.UpdateOptions{})
		if err != nil && !apierrors.IsConflict(err) {
			return fmt.Errorf("failed to update ingress %s: %w", t.ingressName, err)
		}
		return err
	})
}

// RemoveRoute drops the rule for subdomain. Removing an absent subdomain is a
// no-op: the table is left untouched and no error is returned.
func (t *Table) RemoveRoute(ctx context.Context, subdomain string) error {
	host := t.Host(subdomain)
	ingresses := t.client.NetworkingV1().Ingresses(t.namespace)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ingress, err := ingresses.Get(ctx, t.ingressName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch ingress %s: %w", t.ingressName, err)
		}

		rules := removeHost(ingress.Spec.Rules, host)
		if len(rules) == len(ingress.Spec.Rules) {
			return nil
		}
		ingress.Spec.Rules = rules

		_, err = ingresses.Update(ctx, ingress, metav1.UpdateOptions{})
		if err != nil && !apierrors.IsConflict(err) {
			return fmt.Errorf("failed to update ingress %s: %w", t.ingressName, err)
		}
		return err
	})
}

// ListRoutes returns the current route table snapshot.
func (t *Table) ListRoutes(ctx context.Context) ([]Route, error) {
	ingress, err := t.client.NetworkingV1().Ingresses(t.namespace).Get(ctx, t.ingressName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ingress %s: %w", t.ingressName, err)
	}

	var routes []Route
	for _, rule := range ingress.Spec.Rules {
		route := Route{Subdomain: strings.TrimSuffix(rule.Host, "."+t.hostDomain)}
		if rule.HTTP == nil {
			routes = append(routes, route)
			continue
		}
		for _, path := range rule.HTTP.Paths {
			route.Service = path.Backend.Service.Name
			route.Paths = append(route.Paths, Path{
				Path: path.Path,
				Port: path.Backend.Service.Port.Number,
			})
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func removeHost(rules []networkingv1.IngressRule, host string) []networkingv1.IngressRule {
	kept := make([]networkingv1.IngressRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Host != host {
			kept = append(kept, rule)
		}
	}
	return kept
}

func ingressRule(host, serviceName string, paths []Path) networkingv1.IngressRule {
	pathType := networkingv1.PathTypePrefix
	httpPaths := make([]networkingv1.HTTPIngressPath, 0, len(paths))
	for _, p := range paths {
		httpPaths = append(httpPaths, networkingv1.HTTPIngressPath{
			Path:     p.Path,
			PathType: &pathType,
			Backend: networkingv1.IngressBackend{
				Service: &networkingv1.IngressServiceBackend{
					Name: serviceName,
					Port: networkingv1.ServiceBackendPort{Number: p.Port},
				},
			},
		})
	}
	return networkingv1.IngressRule{
		Host: host,
		IngressRuleValue: networkingv1.IngressRuleValue{
			HTTP: &networkingv1.HTTPIngressRuleValue{Paths: httpPaths},
		},
	}
}
