package consul_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/kernel-broker/common/consul"
)

// fakeAgent serves the parts of the consul HTTP API used by the broker.
type fakeAgent struct {
	mu        sync.Mutex
	ports     map[string][]int
	addresses map[string]string
	lookups  atomic.Int32
	register []map[string]interface{}
	removed  []string
}

func (a *fakeAgent) SetPorts(service string, ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ports[service] = ports
}

// SetAddress sets the address with which the instances of service register. Without one, consul reports the
// address of the node.
func (a *fakeAgent) SetAddress(service string, address string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.addresses[service] = address
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		a.lookups.Add(1)

		service := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		entries := make([]map[string]interface{}, 0)
		for i, port := range a.ports[service] {
			entries = append(entries, map[string]interface{}{
				"Node": map[string]interface{}{"Node": "node-1", "Address": "10.0.0.1"},
				"Service": map[string]interface{}{
					"ID":      service + "-" + string(rune('a'+i)),
					"Service": service,
					"Address": a.addresses[service],
					"Port":    port,
				},
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(entries)
	case r.URL.Path == "/v1/agent/service/register":
		registration := make(map[string]interface{})
		_ = json.NewDecoder(r.Body).Decode(&registration)
		a.register = append(a.register, registration)
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		a.removed = append(a.removed, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	default:
		http.NotFound(w, r)
	}
}

var _ = Describe("Consul", func() {
	var (
		agent  *fakeAgent
		server *httptest.Server
		client *consul.Client
	)

	BeforeEach(func() {
		agent = &fakeAgent{ports: make(map[string][]int), addresses: make(map[string]string)}
		server = httptest.NewServer(agent)
		DeferCleanup(server.Close)

		var err error
		client, err = consul.NewClient(strings.TrimPrefix(server.URL, "http://"))
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("PortRegistry", func() {
		var registry *consul.PortRegistry

		BeforeEach(func() {
			registry = consul.NewPortRegistry(client)
		})

		It("should return the port of the first healthy instance", func() {
			agent.SetPorts("sage", 41000, 41001)

			port, err := registry.GetPort(context.Background(), "sage")
			Expect(err).ToNot(HaveOccurred())
			Expect(port).To(Equal(41000))
		})

		It("should cache ports until they are forgotten", func() {
			agent.SetPorts("sage", 41000)
			Expect(registry.GetPort(context.Background(), "sage")).To(Equal(41000))

			agent.SetPorts("sage", 42000)
			Expect(registry.GetPort(context.Background(), "sage")).To(Equal(41000))
			Expect(agent.lookups.Load()).To(Equal(int32(1)))

			registry.ForgetPort("sage")
			Expect(registry.GetPort(context.Background(), "sage")).To(Equal(42000))
			Expect(agent.lookups.Load()).To(Equal(int32(2)))
		})

		It("should return the address the instance registered with", func() {
			agent.SetPorts("sage", 41000)
			agent.SetAddress("sage", "10.0.0.7")

			host, port, err := registry.GetAddress(context.Background(), "sage")
			Expect(err).ToNot(HaveOccurred())
			Expect(host).To(Equal("10.0.0.7"))
			Expect(port).To(Equal(41000))
		})

		It("should fall back to the address of the node", func() {
			agent.SetPorts("sage", 41000)

			host, _, err := registry.GetAddress(context.Background(), "sage")
			Expect(err).ToNot(HaveOccurred())
			Expect(host).To(Equal("10.0.0.1"))
		})

		It("should forget the cached address along with the port", func() {
			agent.SetPorts("sage", 41000)
			agent.SetAddress("sage", "10.0.0.7")
			Expect(registry.GetPort(context.Background(), "sage")).To(Equal(41000))

			agent.SetAddress("sage", "10.0.0.8")
			host, _, err := registry.GetAddress(context.Background(), "sage")
			Expect(err).ToNot(HaveOccurred())
			Expect(host).To(Equal("10.0.0.7"))

			registry.ForgetPort("sage")
			host, _, err = registry.GetAddress(context.Background(), "sage")
			Expect(err).ToNot(HaveOccurred())
			Expect(host).To(Equal("10.0.0.8"))
		})

		It("should fail when no instance is healthy", func() {
			_, err := registry.GetPort(context.Background(), "sage")
			Expect(err).To(MatchError(consul.ErrNoHealthyInstance))
		})
	})

	Describe("Client", func() {
		It("should register and deregister services", func() {
			Expect(client.Register("kernel-broker", "kernel-broker-1", "10.0.0.5", 8089)).To(Succeed())
			Expect(client.Deregister("kernel-broker-1")).To(Succeed())

			agent.mu.Lock()
			defer agent.mu.Unlock()

			Expect(agent.register).To(HaveLen(1))
			Expect(agent.register[0]).To(HaveKeyWithValue("Name", "kernel-broker"))
			Expect(agent.register[0]).To(HaveKeyWithValue("Address", "10.0.0.5"))
			Expect(agent.register[0]).To(HaveKeyWithValue("Port", BeEquivalentTo(8089)))
			Expect(agent.removed).To(ConsistOf("kernel-broker-1"))
		})

		It("should attach tags and an http health check", func() {
			err := client.Register("kernel-broker", "kernel-broker-2", "10.0.0.5", 8089,
				consul.WithTags("broker", "test"), consul.WithHTTPCheck("/metrics", 4*time.Second))
			Expect(err).ToNot(HaveOccurred())

			agent.mu.Lock()
			defer agent.mu.Unlock()

			Expect(agent.register).To(HaveLen(1))
			Expect(agent.register[0]).To(HaveKeyWithValue("Tags", ConsistOf("broker", "test")))
			Expect(agent.register[0]).To(HaveKey("Check"))

			check, ok := agent.register[0]["Check"].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(check).To(HaveKeyWithValue("HTTP", "http://10.0.0.5:8089/metrics"))
			Expect(check).To(HaveKeyWithValue("Interval", "4s"))
			Expect(check).To(HaveKeyWithValue("Timeout", "2s"))
		})
	})

	Describe("SelectLocalIP", func() {
		ipNet := func(cidr string) net.Addr {
			ip, network, err := net.ParseCIDR(cidr)
			Expect(err).ToNot(HaveOccurred())
			network.IP = ip
			return network
		}

		It("should skip loopback and IPv6 addresses", func() {
			addrs := []net.Addr{ipNet("127.0.0.1/8"), ipNet("fe80::1/64"), ipNet("192.168.1.10/24")}

			Expect(consul.SelectLocalIP(addrs, "")).To(Equal("192.168.1.10"))
		})

		It("should prefer the dedicated network", func() {
			addrs := []net.Addr{ipNet("192.168.1.10/24"), ipNet("10.20.0.7/16")}

			Expect(consul.SelectLocalIP(addrs, "10.20.0.0/16")).To(Equal("10.20.0.7"))
			Expect(consul.SelectLocalIP(addrs, "172.16.0.0/12")).To(Equal("192.168.1.10"))
			Expect(consul.SelectLocalIP(addrs, "not-a-cidr")).To(Equal("192.168.1.10"))
		})

		It("should fail without a usable address", func() {
			_, err := consul.SelectLocalIP([]net.Addr{ipNet("127.0.0.1/8")}, "")
			Expect(err).To(MatchError(consul.ErrNoLocalIP))
		})
	})
})
