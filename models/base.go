package models

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishEngineEvent implements the transactional outbox: it writes the event
// row inside the caller's DB transaction but does NOT publish to Pub/Sub.
// Publishing is performed asynchronously by the outbox dispatcher after
// commit. Child collections are stripped from the payload; consumers fetch
// details through the API when they need them.
func PublishEngineEvent(ctx context.Context, db *gorm.DB, organizationId string, occurredAt time.Time, refId int, refType EngineReferenceType, eventType string, obj interface{}, msgAction PubSubMessageAction) error {

	var payload []byte
	var err error

	if obj != nil {
		payload, err = ToJSONWithoutField(obj, "Metrics")
		if err != nil {
			return err
		}
	}

	record := OutboxEvent{
		OrganizationId: organizationId,
		OccurredAt:     occurredAt,
		ReferenceId:    refId,
		ReferenceType:  refType,
		EventType:      eventType,
		Action:         msgAction,
		Payload:        payload,
		IsProcessed:    false,
		PublishStatus:  OutboxPublishStatusPending,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	err = db.Create(&record).Error
	if err != nil {
		return err
	}
	return nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ToJSONWithoutField converts an object to JSON after temporarily removing a specified field
func ToJSONWithoutField(obj interface{}, fieldName string) ([]byte, error) {
	// Get the value of the object
	val := reflect.ValueOf(obj)

	// If the value is an interface, get the concrete value it holds
	if val.Kind() == reflect.Interface {
		val = val.Elem()
	}

	// If the value is not a pointer, create a pointer to it
	if val.Kind() != reflect.Ptr {
		valPtr := reflect.New(val.Type())
		valPtr.Elem().Set(val)
		val = valPtr
	}

	// Dereference the pointer
	val = val.Elem()

	// Ensure the value is a struct
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected a struct, got %v", val.Kind())
	}

	// Find the field by name
	field := val.FieldByName(fieldName)
	var err error
	var jsonData []byte
	if field.IsValid() {
		// Check if the field is a slice
		if field.Kind() == reflect.Slice {
			// Iterate over the slice elements
			for i := 0; i < field.Len(); i++ {
				elem := field.Index(i)
				if elem.Kind() == reflect.Struct {
					elemPtr := reflect.New(elem.Type())
					elemPtr.Elem().Set(elem)
					field.Index(i).Set(elemPtr.Elem())
				}
			}
		}

		// Store the original value of the field
		originalValue := reflect.New(field.Type()).Elem()
		originalValue.Set(field)

		// Clear the field value
		field.Set(reflect.Zero(field.Type()))

		// Convert the object to JSON
		jsonData, err = json.Marshal(val.Interface())

		// Restore the original value
		field.Set(originalValue)
	} else {
		// Convert the object to JSON
		jsonData, err = json.Marshal(val.Interface())
	}
	if err != nil {
		return nil, err
	}
	return jsonData, nil
}
