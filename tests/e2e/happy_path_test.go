//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	apierrorsk8s "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/microsoft/mcp-gateway/internal/models"
)

var _ = Describe("Adapter lifecycle and session routing", func() {
	const backendPort = 18443

	var (
		gw       *gateway
		upstream *upstreamFixture
		backend  *httptest.Server
		owner    = models.Principal{UserID: "owner-1", Roles: []string{"engineer"}}
	)

	BeforeEach(func() {
		gw = newGateway(backendPort)
		upstream = &upstreamFixture{}
		backend = newLoopbackUpstream(backendPort, upstream.handler())
	})

	AfterEach(func() {
		backend.Close()
		gw.Close()
	})

	It("deploys, routes, and tears down an adapter end to end", func() {
		By("creating the adapter record")
		resp, created := postAdapter(gw.server.URL, owner, newAdapterRecord("weather"))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(created["name"]).To(Equal("weather"))

		By("verifying the orchestrator received a StatefulSet and a headless Service")
		_, err := gw.kubeClient.AppsV1().StatefulSets(TestNamespace).Get(context.Background(), "weather", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		svc, err := gw.kubeClient.CoreV1().Services(TestNamespace).Get(context.Background(), "weather-service", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(svc.Spec.ClusterIP)).To(Equal("None"))

		By("marking the workload's replica as ready")
		gw.readyEndpoint("weather", backend)

		By("initializing a new MCP session through the gateway")
		initReq := map[string]any{"jsonrpc": "2.0", "method": "initialize", "id": 1}
		result, sessionID := postJSON(gw.server.URL+"/adapters/weather/mcp", initReq, owner, "")
		Expect(result["result"]).To(HaveKeyWithValue("serverInfo", "fixture-upstream"))
		Expect(sessionID).NotTo(BeEmpty())
		Expect(upstream.LastUser()).To(Equal("owner-1"))

		By("routing a follow-up request on the same session back to the bound backend")
		listReq := map[string]any{"jsonrpc": "2.0", "method": "tools/list", "id": 2}
		result, _ = postJSON(gw.server.URL+"/adapters/weather/mcp", listReq, owner, sessionID)
		Expect(result["result"]).To(HaveKeyWithValue("serverInfo", "fixture-upstream"))

		By("deleting the adapter record")
		deleteReq, err := http.NewRequest(http.MethodDelete, gw.server.URL+"/adapters/weather", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(deleteReq, owner)
		delResp, err := http.DefaultClient.Do(deleteReq)
		Expect(err).NotTo(HaveOccurred())
		Expect(delResp.StatusCode).To(Equal(http.StatusNoContent))

		By("verifying the orchestrator workload is gone")
		_, err = gw.kubeClient.AppsV1().StatefulSets(TestNamespace).Get(context.Background(), "weather", metav1.GetOptions{})
		Expect(apierrorsk8s.IsNotFound(err)).To(BeTrue())
	})

	It("denies session routing to a caller without read access", func() {
		_, created := postAdapter(gw.server.URL, owner, newAdapterRecord("restricted", "ops"))
		Expect(created["name"]).To(Equal("restricted"))
		gw.readyEndpoint("restricted", backend)

		outsider := models.Principal{UserID: "someone-else"}
		req, err := http.NewRequest(http.MethodPost, gw.server.URL+"/adapters/restricted/mcp", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(req, outsider)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	It("rejects a request carrying an unknown session id rather than silently starting a new one", func() {
		_, created := postAdapter(gw.server.URL, owner, newAdapterRecord("weather2"))
		Expect(created["name"]).To(Equal("weather2"))
		gw.readyEndpoint("weather2", backend)

		req, err := http.NewRequest(http.MethodPost, gw.server.URL+"/adapters/weather2/mcp", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set(proxySessionHeader, "does-not-exist")
		devPrincipal(req, owner)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("Tool lifecycle and permission filtering", func() {
	var (
		gw     *gateway
		owner  = models.Principal{UserID: "owner-1"}
		reader = models.Principal{UserID: "reader-1", Roles: []string{"support"}}
	)

	BeforeEach(func() {
		gw = newGateway(0)
	})

	AfterEach(func() {
		gw.Close()
	})

	It("creates tools, syncs them into the tool-gateway router, and filters the listing by permission", func() {
		By("creating an open tool and a role-gated tool")
		resp, _ := postTool(gw.server.URL, owner, newToolRecord("weather-score", ""))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		resp, _ = postTool(gw.server.URL, owner, newToolRecord("admin-report", "ops"))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		By("listing as the owner, who sees both")
		req, err := http.NewRequest(http.MethodGet, gw.server.URL+"/tools", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(req, owner)
		ownerResp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer ownerResp.Body.Close()

		var ownerVisible []map[string]any
		Expect(json.NewDecoder(ownerResp.Body).Decode(&ownerVisible)).To(Succeed())
		Expect(ownerVisible).To(HaveLen(2))

		By("listing as a caller who lacks the 'ops' role, who sees only the open tool")
		req, err = http.NewRequest(http.MethodGet, gw.server.URL+"/tools", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(req, reader)
		readerResp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer readerResp.Body.Close()

		var readerVisible []map[string]any
		Expect(json.NewDecoder(readerResp.Body).Decode(&readerVisible)).To(Succeed())
		Expect(readerVisible).To(HaveLen(1))
		Expect(readerVisible[0]["name"]).To(Equal("weather-score"))

		By("confirming the router was wired and did not panic on sync")
		Expect(gw.router.MCPServer()).NotTo(BeNil())
	})

	It("removes a deleted tool from the resource store", func() {
		_, tool := postTool(gw.server.URL, owner, newToolRecord("known-tool", ""))
		Expect(tool["name"]).To(Equal("known-tool"))

		req, err := http.NewRequest(http.MethodDelete, gw.server.URL+"/tools/known-tool", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(req, owner)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		getReq, err := http.NewRequest(http.MethodGet, gw.server.URL+"/tools/known-tool", nil)
		Expect(err).NotTo(HaveOccurred())
		devPrincipal(getReq, owner)
		getResp, err := http.DefaultClient.Do(getReq)
		Expect(err).NotTo(HaveOccurred())
		Expect(getResp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
