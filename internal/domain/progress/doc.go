// Package progress содержит доменную модель прогресса обучения:
// прогресс по урокам и курсам, статистику пользователя и сертификаты.
//
// Ядро пакета - Store: единственный владелец состояния текущей сессии.
// Все мутации проходят через Dispatch (чистый редьюсер поверх событий),
// поэтому внутри одного вызова Dispatch нет чередования - блокировки
// нужны только на границе Store.
//
// Persistence Adapter и Sync Engine читают и пишут состояние исключительно
// через Store - напрямую сущности никто не мутирует.
package progress
