package commerce

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/merchantops/refundgate/internal/domain"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*Client, *domain.Tenant) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	tenant := &domain.Tenant{ID: "tenant-001", AccessToken: "shhh"}
	return client, tenant
}

func TestGetOrder(t *testing.T) {
	client, tenant := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/order-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Access-Token") != "shhh" {
			t.Error("access token not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order": {"id": "order-1", "total": 199.90, "paymentMethod": "credit card"}}`))
	})

	order, err := client.GetOrder(context.Background(), tenant, "order-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.ID != "order-1" || order.Total != 199.90 {
		t.Errorf("unexpected order %+v", order)
	}
}

func TestFindCustomerByPhone(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		client, tenant := testServer(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("phone"); got != "+15550001" {
				t.Errorf("unexpected phone %q", got)
			}
			w.Write([]byte(`{"customers": [{"id": "cust-1", "phone": "+15550001"}]}`))
		})

		customer, err := client.FindCustomerByPhone(context.Background(), tenant, "+15550001")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if customer == nil || customer.ID != "cust-1" {
			t.Errorf("unexpected customer %+v", customer)
		}
	})

	t.Run("NoMatchIsNotAnError", func(t *testing.T) {
		client, tenant := testServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"customers": []}`))
		})

		customer, err := client.FindCustomerByPhone(context.Background(), tenant, "+10000000")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if customer != nil {
			t.Errorf("expected nil customer, got %+v", customer)
		}
	})
}

func TestExecuteRefund(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client, tenant := testServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/orders/order-1/refunds" {
				t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			}
			w.Write([]byte(`{"refund": {"refundId": "ref-9", "transactionId": "txn-9", "amount": 50}}`))
		})

		res, err := client.ExecuteRefund(context.Background(), tenant, "order-1",
			&domain.RefundRequest{OrderID: "order-1", Amount: 50})
		if err != nil {
			t.Fatalf("ExecuteRefund failed: %v", err)
		}
		if res.TransactionID != "txn-9" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("UpstreamErrorWrapped", func(t *testing.T) {
		client, tenant := testServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "order not refundable", http.StatusUnprocessableEntity)
		})

		_, err := client.ExecuteRefund(context.Background(), tenant, "order-1",
			&domain.RefundRequest{OrderID: "order-1", Amount: 50})
		if !errors.Is(err, domain.ErrRefundExecutionFailed) {
			t.Errorf("expected ErrRefundExecutionFailed, got %v", err)
		}
	})
}

func TestEndpointRequiresShopDomain(t *testing.T) {
	client := NewClient()
	_, err := client.GetOrder(context.Background(), &domain.Tenant{ID: "t"}, "order-1")
	if !errors.Is(err, domain.ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch without shop domain, got %v", err)
	}
}
